package catalog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CatalogSuite struct {
	suite.Suite
}

func TestCatalogSuite(t *testing.T) {
	suite.Run(t, new(CatalogSuite))
}

func (s *CatalogSuite) mustCatalog(templates ...Template) *Catalog {
	c, err := New(templates)
	require.NoError(s.T(), err)
	return c
}

func tmpl(key string, labels ...string) Template {
	return Template{Key: key, Image: "img-" + key, Size: "e2-medium", Labels: NewLabelSet(labels...)}
}

// ---------------------------------------------------------------------------
// Match
// ---------------------------------------------------------------------------

func (s *CatalogSuite) TestMatch_FirstSupersetWins() {
	c := s.mustCatalog(
		tmpl("A", "linux", "x64", "gpu"),
		tmpl("B", "linux", "x64"),
	)

	got, ok := c.Match([]string{"linux", "x64"})
	require.True(s.T(), ok)
	assert.Equal(s.T(), "A", got.Key)
}

func (s *CatalogSuite) TestMatch_SkipsNonSuperset() {
	c := s.mustCatalog(
		tmpl("arm", "linux", "arm64"),
		tmpl("x64", "linux", "x64"),
	)

	got, ok := c.Match([]string{"linux", "x64"})
	require.True(s.T(), ok)
	assert.Equal(s.T(), "x64", got.Key)
}

func (s *CatalogSuite) TestMatch_NoMatch() {
	c := s.mustCatalog(tmpl("linux", "linux", "x64"))

	_, ok := c.Match([]string{"windows"})
	assert.False(s.T(), ok)
}

func (s *CatalogSuite) TestMatch_EmptyRequestMatchesFirst() {
	c := s.mustCatalog(tmpl("first", "a"), tmpl("second", "b"))

	got, ok := c.Match(nil)
	require.True(s.T(), ok)
	assert.Equal(s.T(), "first", got.Key)
}

func (s *CatalogSuite) TestMatch_CaseInsensitive() {
	c := s.mustCatalog(tmpl("linux", "self-hosted", "Linux", "X64"))

	got, ok := c.Match([]string{"Self-Hosted", "linux", " x64 "})
	require.True(s.T(), ok)
	assert.Equal(s.T(), "linux", got.Key)
}

func (s *CatalogSuite) TestMatch_EmptyCatalog() {
	c := s.mustCatalog()

	_, ok := c.Match([]string{"linux"})
	assert.False(s.T(), ok)
}

// Exhaustive check over every subset of a small label universe: Match
// must agree with a linear scan for the first superset.
func (s *CatalogSuite) TestMatch_AgreesWithLinearScan() {
	universe := []string{"linux", "x64", "gpu", "large"}
	c := s.mustCatalog(
		tmpl("gpu", "linux", "x64", "gpu"),
		tmpl("large", "linux", "x64", "large"),
		tmpl("base", "linux", "x64"),
		tmpl("any", "linux"),
	)

	for mask := 0; mask < 1<<len(universe); mask++ {
		var req []string
		for i, l := range universe {
			if mask&(1<<i) != 0 {
				req = append(req, l)
			}
		}

		want := ""
		for _, t := range c.Templates() {
			if t.Labels.Contains(NewLabelSet(req...)) {
				want = t.Key
				break
			}
		}

		got, ok := c.Match(req)
		if want == "" {
			assert.False(s.T(), ok, "labels %v", req)
			continue
		}
		require.True(s.T(), ok, "labels %v", req)
		assert.Equal(s.T(), want, got.Key, "labels %v", req)
	}
}

func (s *CatalogSuite) TestMatch_ConcurrentReaders() {
	c := s.mustCatalog(tmpl("A", "linux", "x64", "gpu"), tmpl("B", "linux", "x64"))

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := []string{"linux", "x64"}
			if i%2 == 0 {
				req = append(req, "gpu")
			}
			got, ok := c.Match(req)
			assert.True(s.T(), ok)
			assert.Equal(s.T(), "A", got.Key)
		}()
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func (s *CatalogSuite) TestNew_PreservesOrder() {
	var in []Template
	for i := range 5 {
		in = append(in, tmpl(fmt.Sprintf("t%d", i), "linux"))
	}
	c := s.mustCatalog(in...)

	keys := make([]string, 0, c.Len())
	for _, t := range c.Templates() {
		keys = append(keys, t.Key)
	}
	assert.Equal(s.T(), []string{"t0", "t1", "t2", "t3", "t4"}, keys)
}

func (s *CatalogSuite) TestNew_Validation() {
	_, err := New([]Template{{Image: "img", Labels: NewLabelSet("linux")}})
	assert.ErrorContains(s.T(), err, "key is required")

	_, err = New([]Template{tmpl("a", "linux"), tmpl("a", "x64")})
	assert.ErrorContains(s.T(), err, "duplicate key")

	_, err = New([]Template{{Key: "a", Labels: NewLabelSet("linux")}})
	assert.ErrorContains(s.T(), err, "image is required")

	_, err = New([]Template{{Key: "a", Image: "img", Labels: NewLabelSet(" ")}})
	assert.ErrorContains(s.T(), err, "at least one label")
}

func (s *CatalogSuite) TestGet() {
	c := s.mustCatalog(tmpl("a", "linux"), tmpl("b", "x64"))

	got, ok := c.Get("b")
	require.True(s.T(), ok)
	assert.True(s.T(), got.Labels.Has("X64"))

	_, ok = c.Get("missing")
	assert.False(s.T(), ok)
}

func (s *CatalogSuite) TestString() {
	c := s.mustCatalog(tmpl("a", "x64", "linux"))
	assert.Equal(s.T(), "1. a image=img-a size=e2-medium labels=linux,x64\n", c.String())
}

func TestLabelSet_Contains(t *testing.T) {
	big := NewLabelSet("linux", "x64", "gpu")
	assert.True(t, big.Contains(NewLabelSet("linux", "x64")))
	assert.True(t, big.Contains(NewLabelSet()))
	assert.False(t, NewLabelSet("linux").Contains(big))
	assert.Equal(t, 3, big.Len())
	assert.Equal(t, []string{"gpu", "linux", "x64"}, big.Sorted())
}
