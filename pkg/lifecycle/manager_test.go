package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

func recorder(order *[]string, name string, priority int, startErr error) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		OnStart: func(context.Context) error {
			*order = append(*order, "start:"+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			*order = append(*order, "stop:"+name)
			return nil
		},
	}
}

func TestStartStopOrder(t *testing.T) {
	var order []string
	lm := NewLifecycleManager(kratoslog.DefaultLogger)
	lm.AddHook(recorder(&order, "servers", 100, nil))
	lm.AddHook(recorder(&order, "redis", 0, nil))
	lm.AddHook(recorder(&order, "waiters", 200, nil))

	if err := lm.Start(); err != nil {
		t.Fatal(err)
	}
	if err := lm.Stop(); err != nil {
		t.Fatal(err)
	}
	want := []string{"start:redis", "start:servers", "start:waiters", "stop:waiters", "stop:servers", "stop:redis"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v", order)
	}
	if lm.IsRunning() {
		t.Fatal("still running after Stop")
	}
	if lm.Context().Err() == nil {
		t.Fatal("context not cancelled")
	}
}

func TestFailedStartStopsStartedHooks(t *testing.T) {
	var order []string
	lm := NewLifecycleManager(kratoslog.DefaultLogger)
	lm.AddHook(recorder(&order, "db", 0, nil))
	lm.AddHook(recorder(&order, "http", 100, errors.New("bind: address in use")))
	lm.AddHook(recorder(&order, "late", 200, nil))

	if err := lm.Start(); err == nil {
		t.Fatal("want start error")
	}
	want := []string{"start:db", "start:http", "stop:db"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v", order)
	}
	// 第二次 Stop 不重复执行
	if err := lm.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Fatalf("hooks stopped twice: %v", order)
	}
}
