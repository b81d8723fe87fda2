package sockerr

import (
	"syscall"
	"testing"

	"vnetsock/pkg/engine"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFromEngine(t *testing.T) {
	tests := []struct {
		code engine.Err
		want error
	}{
		{engine.ErrMem, ErrResourceExhausted},
		{engine.ErrRte, ErrRouteUnreachable},
		{engine.ErrWouldBlock, ErrWouldBlock},
		{engine.ErrAbrt, ErrConnAborted},
		{engine.ErrRst, ErrConnReset},
		{engine.ErrClsd, ErrConnClosed},
		{engine.ErrTimeout, ErrTimeout},
		{engine.ErrArg, ErrIllegalArgument},
		{engine.ErrVal, ErrIllegalArgument},
		{engine.ErrUse, ErrAddressInUse},
	}
	for _, tt := range tests {
		t.Run(tt.code.Error(), func(t *testing.T) {
			got := FromEngine(tt.code)
			assert.True(t, errors.Is(got, tt.want), "got %v", got)
			assert.Equal(t, tt.want, errors.Cause(got))
		})
	}
}

func TestFromEngineKeepsContext(t *testing.T) {
	got := FromEngine(errors.Wrapf(engine.ErrArg, "write of %d bytes with %d bytes of send buffer", 10, 4))
	assert.Contains(t, got.Error(), "write of 10 bytes with 4 bytes of send buffer")
	assert.Equal(t, ErrIllegalArgument, errors.Cause(got))
	assert.Equal(t, IllegalArgument, KindOf(got))

	odd := FromEngine(errors.Wrap(engine.Err(-99), "strange result"))
	assert.Contains(t, odd.Error(), "strange result")
}

func TestFromEnginePassthrough(t *testing.T) {
	assert.NoError(t, FromEngine(nil))
	plain := errors.New("plain")
	assert.Equal(t, plain, FromEngine(plain))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, InvalidState, KindOf(Wrapf(InvalidState, "socket %d", 3)))
	assert.Equal(t, ConnectionReset, KindOf(errors.Wrap(engine.ErrRst, "tcp")))
	assert.Equal(t, Unknown, KindOf(errors.New("x")))
	assert.Equal(t, "WOULD_BLOCK", WouldBlock.String())
}

func TestErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), Errno(nil))
	assert.Equal(t, syscall.EAGAIN, Errno(ErrWouldBlock))
	assert.Equal(t, syscall.ECONNRESET, Errno(engine.ErrRst))
	assert.Equal(t, syscall.EIO, Errno(errors.New("unknown")))
}
