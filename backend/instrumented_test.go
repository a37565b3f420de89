package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	binarycache "github.com/wolfeidau/binary-cache"
)

func TestInstrumentedBackend_WriteRead(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "local")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "local")

	_, err := ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDelete(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "local")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "k", strings.NewReader("v")))

	exists, err := ib.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "k"))
	require.ErrorIs(t, ib.Delete(ctx, "k"), ErrNotFound)
}

func TestInstrumentedBackend_ListSize(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "local")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "p/a", strings.NewReader("abc")))
	require.NoError(t, ib.Write(ctx, "p/b", strings.NewReader("de")))

	keys, err := ib.List(ctx, "p/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p/a", "p/b"}, keys)

	size, err := ib.Size(ctx, "p/a")
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "unavailable", outcomeFromError(transientError("put", errors.New("timeout"))))
	require.Equal(t, "unavailable", outcomeFromError(binarycache.ErrUnavailable))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
