package domain

import (
	"errors"
	"math"
	"testing"
)

func TestMulAmount(t *testing.T) {
	tests := []struct {
		a, b    int64
		want    int64
		wantErr bool
	}{
		{40, 3, 120, false},
		{0, math.MaxInt64, 0, false},
		{math.MaxInt64, 1, math.MaxInt64, false},
		{1 << 32, 1 << 32, 0, true},
		{1 << 31, 1 << 32, 0, true},
		{math.MaxInt64/2 + 1, 2, 0, true},
		{-1, 5, 0, true},
	}
	for _, tt := range tests {
		got, err := MulAmount(tt.a, tt.b)
		if tt.wantErr {
			if !errors.Is(err, ErrAmountOutOfRange) {
				t.Errorf("MulAmount(%d, %d) = %d, %v; want ErrAmountOutOfRange", tt.a, tt.b, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("MulAmount(%d, %d) = %d, %v; want %d", tt.a, tt.b, got, err, tt.want)
		}
	}
}

func TestAddAmount(t *testing.T) {
	if got, err := AddAmount(math.MaxInt64-1, 1); err != nil || got != math.MaxInt64 {
		t.Errorf("AddAmount at limit = %d, %v", got, err)
	}
	if _, err := AddAmount(math.MaxInt64, 1); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("AddAmount overflow err = %v", err)
	}
}

func TestFillCostOverflow(t *testing.T) {
	f := Fill{Price: 1 << 32, Quantity: 1 << 32}
	if _, err := f.Cost(); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("Cost err = %v, want ErrAmountOutOfRange", err)
	}
	price := int64(math.MaxInt64 / 10)
	o := Order{Side: OrderSideBuy, Price: &price}
	if _, err := o.Reservation(11); !errors.Is(err, ErrAmountOutOfRange) {
		t.Errorf("Reservation err = %v, want ErrAmountOutOfRange", err)
	}
	if r, err := (Order{Side: OrderSideSell, Price: &price}).Reservation(11); err != nil || r != 0 {
		t.Errorf("sell Reservation = %d, %v; want 0", r, err)
	}
}
