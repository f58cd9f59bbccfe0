package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsk_ReturnsEnvelope(t *testing.T) {
	var prompt string
	gen := GeneratorFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return `{"text":"use a map","fileTree":{"a.js":{"file":{"contents":"x"}}}}`, nil
	})

	env, err := Ask(context.Background(), gen, "how do I dedupe?", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "use a map", env.Text)
	assert.Equal(t, "x", env.FileTree["a.js"].Contents)
	assert.True(t, strings.HasSuffix(prompt, "how do I dedupe?"))
}

func TestAsk_MalformedPayload(t *testing.T) {
	gen := GeneratorFunc(func(context.Context, string) (string, error) {
		return "not json", nil
	})

	_, err := Ask(context.Background(), gen, "hi", time.Second)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.NotEmpty(t, genErr.Reason)
}

func TestAsk_TimeoutWithStuckGenerator(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	gen := GeneratorFunc(func(context.Context, string) (string, error) {
		<-block
		return "", nil
	})

	start := time.Now()
	_, err := Ask(context.Background(), gen, "hi", 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
