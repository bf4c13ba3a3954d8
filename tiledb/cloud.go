package tiledb

import (
	"os"
	"strings"
	"sync"
)

// Well-known Linux CA bundle locations, probed in order; the first hit is
// exported through SSL_CERT_FILE so every backend's TLS stack picks it up.
// Absent bundles fall through to system defaults.
var caCertsLocations = []string{
	"/etc/ssl/certs/ca-certificates.crt",                // Debian/Ubuntu/Gentoo etc.
	"/etc/pki/tls/certs/ca-bundle.crt",                  // Fedora/RHEL 6
	"/etc/ssl/ca-bundle.pem",                            // OpenSUSE
	"/etc/pki/tls/cacert.pem",                           // OpenELEC
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem", // CentOS/RHEL 7
	"/etc/ssl/cert.pem",                                 // Alpine Linux
}

var caCertsOnce sync.Once

func configureCACerts() {
	caCertsOnce.Do(func() {
		if os.Getenv("SSL_CERT_FILE") != "" {
			return
		}
		for _, location := range caCertsLocations {
			if info, err := os.Stat(location); err == nil && info.Mode().IsRegular() {
				os.Setenv("SSL_CERT_FILE", location)
				return
			}
		}
	})
}

// cloudPath resolves a path against the backend's working directory the way
// every object-store backend does: URIs reduce to their path component,
// absolute paths drop the leading slash, relative paths are anchored at the
// working directory.
func cloudPath(workingDir, path string) string {
	pathname := path
	if isURI(path) {
		if u, err := ParseURI(path); err == nil {
			pathname = u.Path
		}
		if pathname == "" {
			return ""
		}
	}
	if strings.HasPrefix(pathname, "/") {
		return pathname[1:]
	}
	if pathname == "" {
		return workingDir
	}
	if workingDir != "" && strings.HasPrefix(pathname, workingDir) {
		return pathname
	}
	if workingDir == "" {
		return pathname
	}
	return workingDir + "/" + pathname
}
