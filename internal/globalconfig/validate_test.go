package globalconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultKeeper/internal/layout"
)

func TestComparePriority(t *testing.T) {
	metas := []layout.AssetMeta{
		{Asset: sol, Oracle: oracle(1), Priority: 2},
		{Asset: sol, Oracle: oracle(2), Priority: -2},
		{Asset: sol, Oracle: oracle(3), Priority: 0},
		{Asset: sol, Oracle: oracle(4), Priority: -1},
		{Asset: sol, Oracle: oracle(5), Priority: 1},
	}
	index := BuildIndex(metas)

	var got []int8
	for _, m := range index[sol] {
		got = append(got, m.Priority)
	}
	assert.Equal(t, []int8{0, 1, 2, -1, -2}, got)
}

func TestReconcileReportsChanges(t *testing.T) {
	prev := baseMetas()
	prev[2].Priority = -1

	next := baseMetas()
	next[0].MaxAgeSeconds = 5
	next[2] = layout.AssetMeta{Asset: sol, Decimals: 9, Oracle: oracle(9), OracleSource: layout.OracleSourcePythLazer, Priority: 1}
	next = append(next, layout.AssetMeta{Asset: usdc, Decimals: 6, Oracle: oracle(10), OracleSource: layout.OracleSourceChainlinkRWA, Priority: 1})

	changes, err := Reconcile(prev, next)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, EventConfigurationChange, changes[0].Event)
	assert.Equal(t, 0, changes[0].Index)
	assert.Equal(t, EventEntryRotation, changes[1].Event)
	assert.Equal(t, EventNewEntry, changes[2].Event)
	assert.Nil(t, changes[2].Previous)
}

func TestReconcileShrink(t *testing.T) {
	_, err := Reconcile(baseMetas(), baseMetas()[:1])
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "oracle removed", v.Reason)
	assert.Equal(t, 1, v.Index)
}

func TestValidateCrossGenerationDecimals(t *testing.T) {
	prev := baseMetas()
	prev[1].Priority = -1
	prev[2].Priority = -2

	// every sol entry rotated and replaced with a different decimals generation
	next := baseMetas()
	next[1] = layout.AssetMeta{Asset: sol, Decimals: 8, Oracle: oracle(11), OracleSource: layout.OracleSourcePythLazer, Priority: 0}
	next[2] = layout.AssetMeta{Asset: sol, Decimals: 8, Oracle: oracle(12), OracleSource: layout.OracleSourcePythLazer1K, Priority: 1}

	_, err := Reconcile(prev, next)
	require.NoError(t, err)
	_, err = Validate(next, prev, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimals changed for asset")
}

func TestValidateAllowsSharedOracleAcrossAssets(t *testing.T) {
	metas := baseMetas()
	metas = append(metas, layout.AssetMeta{Asset: oracle(50), Decimals: 6, Oracle: oracle(1), OracleSource: layout.OracleSourceQuoteAsset})
	_, err := Validate(metas, nil, nil)
	require.NoError(t, err)
}
