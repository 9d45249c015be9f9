package ledger

// commentManagerABI 评论合约接口（仅本服务用到的方法与事件）
const commentManagerABI = `[
  {"type":"function","name":"nonces","stateMutability":"view",
   "inputs":[{"name":"author","type":"address"},{"name":"app","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isApproved","stateMutability":"view",
   "inputs":[{"name":"author","type":"address"},{"name":"app","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"postComment","stateMutability":"nonpayable",
   "inputs":[
     {"name":"commentData","type":"tuple","components":[
       {"name":"content","type":"string"},
       {"name":"metadata","type":"tuple[]","components":[{"name":"key","type":"bytes32"},{"name":"value","type":"bytes"}]},
       {"name":"targetUri","type":"string"},
       {"name":"parentId","type":"bytes32"},
       {"name":"author","type":"address"},
       {"name":"app","type":"address"},
       {"name":"nonce","type":"uint256"},
       {"name":"deadline","type":"uint256"}]},
     {"name":"authorSignature","type":"bytes"},
     {"name":"appSignature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"editComment","stateMutability":"nonpayable",
   "inputs":[
     {"name":"editData","type":"tuple","components":[
       {"name":"commentId","type":"bytes32"},
       {"name":"content","type":"string"},
       {"name":"metadata","type":"tuple[]","components":[{"name":"key","type":"bytes32"},{"name":"value","type":"bytes"}]},
       {"name":"author","type":"address"},
       {"name":"app","type":"address"},
       {"name":"nonce","type":"uint256"},
       {"name":"deadline","type":"uint256"}]},
     {"name":"authorSignature","type":"bytes"},
     {"name":"appSignature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"deleteComment","stateMutability":"nonpayable",
   "inputs":[
     {"name":"deleteData","type":"tuple","components":[
       {"name":"commentId","type":"bytes32"},
       {"name":"author","type":"address"},
       {"name":"app","type":"address"},
       {"name":"nonce","type":"uint256"},
       {"name":"deadline","type":"uint256"}]},
     {"name":"authorSignature","type":"bytes"},
     {"name":"appSignature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"addApproval","stateMutability":"nonpayable",
   "inputs":[
     {"name":"approvalData","type":"tuple","components":[
       {"name":"author","type":"address"},
       {"name":"app","type":"address"},
       {"name":"nonce","type":"uint256"},
       {"name":"deadline","type":"uint256"}]},
     {"name":"authorSignature","type":"bytes"},
     {"name":"appSignature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"removeApproval","stateMutability":"nonpayable",
   "inputs":[
     {"name":"approvalData","type":"tuple","components":[
       {"name":"author","type":"address"},
       {"name":"app","type":"address"},
       {"name":"nonce","type":"uint256"},
       {"name":"deadline","type":"uint256"}]},
     {"name":"authorSignature","type":"bytes"},
     {"name":"appSignature","type":"bytes"}],
   "outputs":[]},
  {"type":"event","name":"CommentAdded","anonymous":false,
   "inputs":[
     {"name":"commentId","type":"bytes32","indexed":true},
     {"name":"author","type":"address","indexed":true},
     {"name":"app","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":false},
     {"name":"parentId","type":"bytes32","indexed":false},
     {"name":"targetUri","type":"string","indexed":false},
     {"name":"content","type":"string","indexed":false}]},
  {"type":"event","name":"CommentEdited","anonymous":false,
   "inputs":[
     {"name":"commentId","type":"bytes32","indexed":true},
     {"name":"author","type":"address","indexed":true},
     {"name":"app","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":false},
     {"name":"content","type":"string","indexed":false}]},
  {"type":"event","name":"CommentDeleted","anonymous":false,
   "inputs":[
     {"name":"commentId","type":"bytes32","indexed":true},
     {"name":"author","type":"address","indexed":true},
     {"name":"app","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":false}]},
  {"type":"event","name":"ApprovalAdded","anonymous":false,
   "inputs":[
     {"name":"author","type":"address","indexed":true},
     {"name":"app","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":false}]},
  {"type":"event","name":"ApprovalRemoved","anonymous":false,
   "inputs":[
     {"name":"author","type":"address","indexed":true},
     {"name":"app","type":"address","indexed":true},
     {"name":"nonce","type":"uint256","indexed":false}]}
]`
