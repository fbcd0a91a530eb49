package semver

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{
		"0.0.0",
		"1.2.3",
		"10.20.30",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-0.3.7",
		"1.0.0-x-y-z.0",
		"1.0.0-alpha+001",
		"1.0.0+20130313144700",
		"1.0.0-beta+exp.sha.5114f85",
	} {
		v, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, v.String())
	}
}

func TestParseRejects(t *testing.T) {
	for _, s := range []string{
		"",
		"1",
		"1.2",
		"1.2.3.4",
		"a.b.c",
		"1.02.3",
		"01.2.3",
		"1.2.03",
		"1.2.3-",
		"1.2.3-alpha..1",
		"1.2.3-01",
		"1.2.3+",
		"1.2.3+a..b",
		"1.2.3-al_pha",
		"1.2.3+exp!",
		" 1.2.3",
	} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", s)
	}
}

// The semver.org reference precedence chain.
func TestPrecedenceChain(t *testing.T) {
	chain := []string{
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-alpha.beta",
		"1.0.0-beta",
		"1.0.0-beta.2",
		"1.0.0-beta.11",
		"1.0.0-rc.1",
		"1.0.0",
	}
	for i := 1; i < len(chain); i++ {
		a, b := MustParse(chain[i-1]), MustParse(chain[i])
		assert.True(t, a.Less(b), "%s < %s", chain[i-1], chain[i])
		assert.True(t, !b.Less(a), "%s not < %s", chain[i], chain[i-1])
	}

	shuffled := []string{"1.0.0", "1.0.0-beta.11", "1.0.0-alpha", "1.0.0-rc.1", "1.0.0-beta", "1.0.0-alpha.beta", "1.0.0-beta.2", "1.0.0-alpha.1"}
	vs := make([]Version, len(shuffled))
	for i, s := range shuffled {
		vs[i] = MustParse(s)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
	got := make([]string, len(vs))
	for i, v := range vs {
		got[i] = v.String()
	}
	assert.Equal(t, chain, got)
}

func TestBuildMetadataIgnored(t *testing.T) {
	a := MustParse("1.2.3+build.1")
	b := MustParse("1.2.3+build.2")
	c := MustParse("1.2.3")
	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(c))
	assert.Equal(t, 0, a.Compare(b))
}

func TestCoreOrdering(t *testing.T) {
	assert.True(t, MustParse("1.0.0").Less(MustParse("2.0.0")))
	assert.True(t, MustParse("2.0.0").Less(MustParse("2.1.0")))
	assert.True(t, MustParse("2.1.0").Less(MustParse("2.1.1")))
	assert.True(t, MustParse("1.0.0-alpha").Less(MustParse("1.0.0")))
}

func TestFromComponents(t *testing.T) {
	v := FromComponents(1, 2, 3, []string{"rc", "1"}, []string{"abc"})
	assert.Equal(t, "1.2.3-rc.1+abc", v.String())
}
