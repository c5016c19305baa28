package diagnostics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/config"
	"ragkb/internal/objectstore"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/provider/reranker"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

type fakeChat struct {
	err error
}

func (f *fakeChat) Generate(context.Context, string, float64) (string, error) { return "ok", f.err }
func (f *fakeChat) Probe(context.Context) error                               { return f.err }

func newTestService(t *testing.T, chatErr error) *Service {
	t.Helper()
	return New(
		repository.NewMemory(),
		objectstore.NewMemoryStore(),
		vectorstore.NewMemory(),
		embedder.NewHash(8, true, 0),
		&fakeChat{err: chatErr},
		reranker.New("none", config.RerankerConfig{}),
		nil,
	)
}

func TestCheck_AllHealthy(t *testing.T) {
	svc := newTestService(t, nil)
	statuses := svc.Check(context.Background())
	require.Len(t, statuses, 6)
	for _, s := range statuses {
		assert.True(t, s.OK, "%s should be healthy", s.Name)
		assert.Empty(t, s.Error)
		assert.False(t, s.Cached)
	}
}

func TestCheck_ReportsUnhealthyProviderByName(t *testing.T) {
	boom := testErr("chat provider down")
	svc := newTestService(t, boom)
	statuses := svc.Check(context.Background())

	var chatStatus *ProviderStatus
	for i := range statuses {
		if statuses[i].Name == "chat_llm" {
			chatStatus = &statuses[i]
		}
	}
	require.NotNil(t, chatStatus)
	assert.False(t, chatStatus.OK)
	assert.Equal(t, boom.Error(), chatStatus.Error)
}

type testErr string

func (e testErr) Error() string { return string(e) }
