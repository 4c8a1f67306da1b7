package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettersValidateEagerly(t *testing.T) {
	t.Parallel()
	s := New()
	require.NoError(t, s.SetBlockSize("x", 16))
	require.Error(t, s.SetBlockSize("x", 0))
	require.Error(t, s.SetBlockSize("x", -1))
	require.NoError(t, s.SetRegionSize("x", 0)) // 0 is valid: whole rank domain
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	s := New()
	require.NoError(t, s.SetBlockSize("x", 16))

	clone := s.Clone()
	require.NoError(t, clone.SetBlockSize("x", 32))

	require.Equal(t, int64(16), s.BlockSize["x"])
	require.Equal(t, int64(32), clone.BlockSize["x"])
}

func TestApplyCommandLineOptionsPerDimensionShorthand(t *testing.T) {
	t.Parallel()
	s := New()
	unrecognized, err := s.ApplyCommandLineOptions("-block_size 16", []string{"x", "y"})
	require.NoError(t, err)
	require.Empty(t, unrecognized)
	require.Equal(t, int64(16), s.BlockSize["x"])
	require.Equal(t, int64(16), s.BlockSize["y"])
}

func TestApplyCommandLineOptionsSingleDimension(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.ApplyCommandLineOptions("-block_size.y 8", []string{"x", "y"})
	require.NoError(t, err)
	require.Equal(t, int64(8), s.BlockSize["y"])
	_, hasX := s.BlockSize["x"]
	require.False(t, hasX)
}

func TestApplyCommandLineOptionsBooleanToggle(t *testing.T) {
	t.Parallel()
	s := New()
	require.True(t, s.AutoTunerEnabled)

	_, err := s.ApplyCommandLineOptions("-no-auto_tune", nil)
	require.NoError(t, err)
	require.False(t, s.AutoTunerEnabled)

	_, err = s.ApplyCommandLineOptions("-auto_tune", nil)
	require.NoError(t, err)
	require.True(t, s.AutoTunerEnabled)
}

func TestApplyCommandLineOptionsReturnsUnrecognizedTokens(t *testing.T) {
	t.Parallel()
	s := New()
	unrecognized, err := s.ApplyCommandLineOptions("-block_size 16 -bogus_flag", []string{"x"})
	require.NoError(t, err)
	require.Equal(t, []string{"-bogus_flag"}, unrecognized)
}

func TestApplyCommandLineOptionsQuotedGroup(t *testing.T) {
	t.Parallel()
	s := New()
	unrecognized, err := s.ApplyCommandLineOptions(`-block_size 16 "some literal arg"`, []string{"x"})
	require.NoError(t, err)
	require.Equal(t, []string{"some literal arg"}, unrecognized)
}

func TestApplyCommandLineOptionsMissingValueErrors(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.ApplyCommandLineOptions("-block_size", []string{"x"})
	require.Error(t, err)
}
