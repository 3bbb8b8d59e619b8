package patient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"JANE@x.com":        "jane@x.com",
		"  jane@x.com  ":    "jane@x.com",
		"\tJane.Doe@X.COM ": "jane.doe@x.com",
		"":                  "",
		"   ":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeEmail(in))
	}
}
