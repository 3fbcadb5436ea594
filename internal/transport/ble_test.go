package transport

import (
	"context"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"upper case", "C4:2F:90:11:22:33", false},
		{"lower case", "c4:2f:90:11:22:33", false},
		{"padded", "  C4:2F:90:11:22:33 ", false},
		{"empty", "", true},
		{"garbage", "not-a-mac", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && addr.MAC.String() != "C4:2F:90:11:22:33" {
				t.Errorf("got %s", addr.MAC.String())
			}
		})
	}
}

func TestGATTLayout(t *testing.T) {
	if bleServiceUUID == controlServiceUUID {
		t.Fatal("service UUIDs must differ")
	}
	if got := commandsUUID.String(); got != "22bb746f-2ba1-7554-2d6f-726568705327" {
		t.Errorf("commands uuid: %s", got)
	}
	if string(antiDOSUnlock) != "011i3" {
		t.Errorf("anti-DOS unlock: %q", antiDOSUnlock)
	}
}

func TestConnectionParamsFollowDeadline(t *testing.T) {
	if got := connectionParams(context.Background()).ConnectionTimeout; got != 0 {
		t.Errorf("no deadline: got %d, want adapter default", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := connectionParams(ctx).ConnectionTimeout
	if got == 0 || got > bluetooth.NewDuration(2*time.Second) {
		t.Errorf("2s deadline: got %d", got)
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	if got := connectionParams(expired).ConnectionTimeout; got == 0 {
		t.Error("expired deadline must still bound the attempt")
	}
}
