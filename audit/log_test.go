package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"openmarket/core/types"
)

func TestRecordAndCount(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()

	n, err := log.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, log.Record(ctx, &types.Event{
		Type: "market.purchase.locked",
		Attributes: map[string]string{
			"id":      "1",
			"deposit": "200",
		},
	}))
	require.NoError(t, log.Record(ctx, &types.Event{
		Type: "market.product.sold",
		Attributes: map[string]string{
			"id":     "1",
			"payout": "100",
			"refund": "100",
		},
	}))

	n, err = log.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestRecordNilEventIsNoop(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()
	require.NoError(t, log.Record(ctx, nil))

	n, err := log.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	log, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Record(ctx, &types.Event{
		Type:       "market.product.created",
		Attributes: map[string]string{"id": "1", "price": "100"},
	}))
	require.NoError(t, log.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPrimaryAmountSelection(t *testing.T) {
	cases := []struct {
		name  string
		attrs map[string]string
		want  string
	}{
		{"deposit", map[string]string{"deposit": "200"}, "200"},
		{"refund", map[string]string{"refund": "100"}, "100"},
		{"sold event", map[string]string{"payout": "100", "refund": "100"}, "100"},
		{"none", map[string]string{"id": "1"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := primaryAmount(&types.Event{Type: "x", Attributes: tc.attrs})
			require.Equal(t, tc.want, got)
		})
	}
}
