package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliwatt/efl-cli/internal/model"
)

func TestQueueUpdateSQL_ResolveForcesOpenOnly(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	by := model.ResolvedByAuto

	sql, args, ok, err := queueUpdateSQL(dollar,
		QueueMatch{Kind: model.QueueKindEFLParse, Identity: &IdentityKeys{SHA: "abc", Cert: "10260", Version: "V1"}},
		QueuePatch{ResolvedAt: &now, ResolvedBy: &by},
		now,
	)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t,
		"UPDATE review_queue SET resolved_at = $1, resolved_by = $2, updated_at = $3 "+
			"WHERE kind = $4 AND resolved_at IS NULL AND "+
			"(efl_pdf_sha256 = $5 OR (rep_puct_certificate = $6 AND efl_version_code = $7))",
		sql)
	assert.Equal(t, []any{now, by, now, "EFL_PARSE", "abc", "10260", "V1"}, args)
}

func TestQueueUpdateSQL_IDsAndAttempts(t *testing.T) {
	now := time.Now().UTC()
	sql, args, ok, err := queueUpdateSQL(question,
		QueueMatch{Kind: model.QueueKindPlanCalcQuarantine, IDs: []string{"a", "b"}},
		QueuePatch{IncrementAttempts: true},
		now,
	)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t,
		"UPDATE review_queue SET attempts = attempts + 1, updated_at = ? WHERE kind = ? AND id IN (?, ?)",
		sql)
	assert.Len(t, args, 4)
}

func TestQueueUpdateSQL_NoOps(t *testing.T) {
	now := time.Now().UTC()

	_, _, ok, err := queueUpdateSQL(dollar, QueueMatch{Kind: model.QueueKindEFLParse}, QueuePatch{}, now)
	require.NoError(t, err)
	assert.False(t, ok, "empty patch")

	_, _, ok, err = queueUpdateSQL(dollar,
		QueueMatch{Kind: model.QueueKindEFLParse, Identity: &IdentityKeys{Cert: "10260"}},
		QueuePatch{ResolvedAt: &now}, now)
	require.NoError(t, err)
	assert.False(t, ok, "cert without version is not an identity")

	_, _, _, err = queueUpdateSQL(dollar, QueueMatch{}, QueuePatch{ResolvedAt: &now}, now)
	assert.ErrorIs(t, err, ErrKindRequired)
}

func TestQueueListSQL(t *testing.T) {
	sql, args := queueListSQL(dollar, QueueFilter{Kind: model.QueueKindEFLParse, OpenOnly: true, AfterID: "cursor", Limit: 10000})
	assert.Contains(t, sql, "WHERE 1=1 AND kind = $1 AND resolved_at IS NULL AND id > $2 ORDER BY id ASC LIMIT $3")
	assert.Equal(t, []any{"EFL_PARSE", "cursor", 100}, args)

	_, args = queueListSQL(question, QueueFilter{Limit: 25})
	assert.Equal(t, []any{25}, args)
}

func TestIdentityKeys_Empty(t *testing.T) {
	tests := []struct {
		name string
		keys IdentityKeys
		want bool
	}{
		{"none", IdentityKeys{}, true},
		{"sha", IdentityKeys{SHA: "a"}, false},
		{"offer", IdentityKeys{OfferID: "o"}, false},
		{"cert only", IdentityKeys{Cert: "c"}, true},
		{"cert and version", IdentityKeys{Cert: "c", Version: "v"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.keys.Empty())
		})
	}
}

func TestTemplateJSON_NilStructureIsNull(t *testing.T) {
	rate, modeled, issues, err := templateJSON(&model.RatePlanTemplate{})
	require.NoError(t, err)
	assert.Nil(t, rate)
	assert.Equal(t, "[]", modeled)
	assert.Equal(t, "[]", issues)
}

func TestNewID_Ordered(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Less(t, a, b)
}
