package tlsutil

import (
	"crypto/tls"
	"testing"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/assert"
)

func TestHelloIDFallsBackToChrome(t *testing.T) {
	assert.Equal(t, utls.HelloFirefox_Auto, helloID(" Firefox "))
	assert.Equal(t, utls.HelloChrome_Auto, helloID("netscape"))
	assert.True(t, KnownFingerprint(""))
	assert.True(t, KnownFingerprint("ios"))
	assert.False(t, KnownFingerprint("netscape"))
}

func TestEnsureServerName(t *testing.T) {
	cfg := EnsureServerName(nil, "dc.example:443")
	assert.Equal(t, "dc.example", cfg.ServerName)

	orig := &tls.Config{ServerName: "front.example"}
	assert.Same(t, orig, EnsureServerName(orig, "dc.example:443"))

	base := &tls.Config{}
	got := EnsureServerName(base, "10.0.0.1")
	assert.Equal(t, "10.0.0.1", got.ServerName)
	assert.Empty(t, base.ServerName)
}
