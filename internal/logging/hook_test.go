package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestErrorHook_CapturesLastErrorOnly(t *testing.T) {
	logger := logrus.New()
	hook := NewErrorHook()
	logger.AddHook(hook)

	logger.Info("ignored, below error level")
	require.Nil(t, hook.Last())

	logger.WithField("table", "tasks").Error("push failed")
	last := hook.Last()
	require.NotNil(t, last)
	require.Equal(t, "push failed", last.Message)
	require.Equal(t, "tasks", last.Fields["table"])

	logger.Error("second failure")
	require.Equal(t, "second failure", hook.Last().Message)
}

func TestErrorHook_Clear(t *testing.T) {
	logger := logrus.New()
	hook := NewErrorHook()
	logger.AddHook(hook)

	logger.Error("boom")
	require.NotNil(t, hook.Last())

	hook.Clear()
	require.Nil(t, hook.Last())
}
