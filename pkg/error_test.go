package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusError, "error"},
		{TransferStatusStall, "stall"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusOverrun, "overrun"},
		{TransferStatusNoDevice, "no-device"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatus_Error(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
		fatal   bool
	}{
		{TransferStatusSuccess, nil, false},
		{TransferStatusStall, ErrStall, true},
		{TransferStatusTimeout, ErrTimeout, false},
		{TransferStatusCancelled, ErrCancelled, false},
		{TransferStatusOverrun, ErrOverrun, false},
		{TransferStatusNoDevice, ErrNoDevice, true},
		{TransferStatusError, ErrProtocol, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
			if got := tt.status.Fatal(); got != tt.fatal {
				t.Errorf("TransferStatus.Fatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrTimeout,
		ErrWouldBlock,
		ErrTransport,
		ErrIO,
		ErrNoDevice,
		ErrStall,
		ErrCancelled,
		ErrOverrun,
		ErrProtocol,
		ErrNoMemory,
		ErrInvalidParameter,
		ErrInvalidState,
		ErrClosed,
		ErrNotSupported,
		ErrBusy,
		ErrAlreadyRunning,
		ErrNotRunning,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{ErrWouldBlock, true},
		{fmt.Errorf("%w: short packet", ErrProtocol), true},
		{fmt.Errorf("%w: %w", ErrTransport, ErrNoDevice), false},
		{ErrNoMemory, false},
		{ErrClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
