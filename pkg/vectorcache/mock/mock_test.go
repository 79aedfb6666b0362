package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/civicsight/pkg/vectorcache/mock"
)

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	s := &mock.Store{}
	ctx := context.Background()

	if _, ok, _ := s.Get(ctx, "m", []string{"a"}); ok {
		t.Fatal("empty store reported a hit")
	}
	if err := s.Put(ctx, "m", []string{"a", "b"}, [][]float32{{1}, {2}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, "m", []string{"b", "a"})
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got[0][0] != 2 || got[1][0] != 1 {
		t.Errorf("Get: got %v, want [[2] [1]]", got)
	}
	if _, ok, _ := s.Get(ctx, "other", []string{"a"}); ok {
		t.Error("hit across models")
	}
	if s.CallCount("Get") != 3 || s.CallCount("Put") != 1 {
		t.Errorf("calls: %+v", s.Calls())
	}
}

func TestStore_Errors(t *testing.T) {
	t.Parallel()
	want := errors.New("down")
	s := &mock.Store{GetErr: want, PutErr: want}
	if _, _, err := s.Get(context.Background(), "m", []string{"a"}); !errors.Is(err, want) {
		t.Errorf("Get err = %v, want %v", err, want)
	}
	if err := s.Put(context.Background(), "m", []string{"a"}, [][]float32{{1}}); !errors.Is(err, want) {
		t.Errorf("Put err = %v, want %v", err, want)
	}
}
