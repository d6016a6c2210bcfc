package app

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestBuildDBCheck(t *testing.T) {
	if err := BuildDBCheck(nil)(context.Background()); err == nil {
		t.Fatalf("expected error for nil database")
	}
	if err := BuildDBCheck(fakePinger{})(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sentinel := errors.New("database is locked")
	if err := BuildDBCheck(fakePinger{err: sentinel})(context.Background()); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
}
