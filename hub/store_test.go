package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestStoreCreate(t *testing.T) {
	t.Run("creates new entry successfully", func(t *testing.T) {
		s := newStore[string]()

		if err := s.Create("conn-1", "alice"); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		val, err := s.Read("conn-1")

		if err != nil {
			t.Errorf("expected no error reading created value, got %v", err)
		}
		if val != "alice" {
			t.Errorf("expected alice, got %v", val)
		}
	})

	t.Run("returns conflict when key already exists", func(t *testing.T) {
		s := newStore[string]()

		_ = s.Create("conn-1", "alice")

		err := s.Create("conn-1", "bob")

		var hubErr *Error
		if !errors.As(err, &hubErr) || hubErr.Code != StatusConflict {
			t.Errorf("expected conflict error, got %v", err)
		}
		val, _ := s.Read("conn-1")
		if val != "alice" {
			t.Errorf("expected original value to survive, got %v", val)
		}
	})
}

func TestStoreReadDelete(t *testing.T) {
	s := newStore[int]()

	_ = s.Create("a", 1)

	t.Run("missing key is not found", func(t *testing.T) {
		_, err := s.Read("missing")

		var hubErr *Error
		if !errors.As(err, &hubErr) || hubErr.Code != StatusNotFound {
			t.Errorf("expected not found error, got %v", err)
		}
	})

	t.Run("delete removes the key once", func(t *testing.T) {
		if err := s.Delete("a"); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if _, err := s.Read("a"); err == nil {
			t.Error("expected error reading deleted key")
		}
		if err := s.Delete("a"); !errors.Is(err, &Error{Reason: ReasonNotFound}) {
			t.Errorf("expected not found on second delete, got %v", err)
		}
	})
}

func TestStoreValuesAndKeys(t *testing.T) {
	s := newStore[string]()

	_ = s.Create("k1", "v1")
	_ = s.Create("k2", "v2")
	_ = s.Create("k3", "v3")

	if values := s.Values(); len(values) != 3 {
		t.Errorf("expected 3 values, got %d", len(values))
	}

	values := s.GetByKeys("k1", "k3", "missing")
	if len(values) != 2 || values[0] != "v1" || values[1] != "v3" {
		t.Errorf("expected [v1 v3] in key order, got %v", values)
	}
	if s.Len() != 3 {
		t.Errorf("expected length 3, got %d", s.Len())
	}
}

func TestStoreConcurrency(t *testing.T) {
	s := newStore[int]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			_ = s.Create(fmt.Sprintf("key%d", n), n)
		}(i)
	}
	wg.Wait()

	if s.Len() != 100 {
		t.Errorf("expected 100 items after concurrent writes, got %d", s.Len())
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			key := fmt.Sprintf("key%d", n)

			val, err := s.Read(key)
			if err != nil {
				t.Errorf("error reading key %s: %v", key, err)
			}
			if val != n {
				t.Errorf("expected value %d for key %s, got %d", n, key, val)
			}
			_ = s.Delete(key)
		}(i)
	}
	wg.Wait()

	if s.Len() != 0 {
		t.Errorf("expected empty store after concurrent deletes, got %d", s.Len())
	}
}
