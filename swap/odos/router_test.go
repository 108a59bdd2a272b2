package odos

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSender struct {
	to   []common.Address
	data [][]byte
	err  error
}

func (s *recordingSender) Send(_ context.Context, to common.Address, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, to)
	s.data = append(s.data, data)
	return nil
}

func TestRouter(t *testing.T) {
	t.Run("DefaultsToMainnetRouter", func(t *testing.T) {
		r, err := NewRouter(&recordingSender{}, common.Address{}, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, DefaultRouter, r.RouterAddress())
		assert.Equal(t, "odos", r.Name())
	})

	t.Run("DispatchesCalldata", func(t *testing.T) {
		sender := &recordingSender{}
		r, err := NewRouter(sender, common.Address{}, zaptest.NewLogger(t))
		require.NoError(t, err)

		require.NoError(t, r.Execute(context.Background(), []byte{0x01, 0x02}))
		require.Len(t, sender.data, 1)
		assert.Equal(t, DefaultRouter, sender.to[0])
		assert.Equal(t, []byte{0x01, 0x02}, sender.data[0])
	})

	t.Run("RejectsEmptyCalldata", func(t *testing.T) {
		r, err := NewRouter(&recordingSender{}, common.Address{}, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.ErrorIs(t, r.Execute(context.Background(), nil), ErrEmptyCalldata)
	})

	t.Run("WrapsSenderError", func(t *testing.T) {
		r, err := NewRouter(&recordingSender{err: errors.New("underpriced")}, common.Address{}, zaptest.NewLogger(t))
		require.NoError(t, err)

		execErr := r.Execute(context.Background(), []byte{0x01})
		require.Error(t, execErr)
		assert.Contains(t, execErr.Error(), "underpriced")
	})
}
