package mongo

import (
	"net/url"
	"strings"
)

// URIOptions describes the connection string printed for clients
type URIOptions struct {
	Hosts      []string
	ReplicaSet string
	TLS        *TLSOptions
	Credential *Credential
}

// ConnectionString renders a mongodb:// URI. Query parameters keep a fixed
// order so output is stable.
func ConnectionString(opts URIOptions) string {
	var b strings.Builder
	b.WriteString("mongodb://")

	if opts.Credential != nil {
		b.WriteString(url.UserPassword(opts.Credential.Username, opts.Credential.Password).String())
		b.WriteString("@")
	}

	b.WriteString(strings.Join(opts.Hosts, ","))
	b.WriteString("/")

	var params []string
	if opts.ReplicaSet != "" {
		params = append(params, "replicaSet="+url.QueryEscape(opts.ReplicaSet))
	}
	if opts.TLS != nil {
		params = append(params, "tls=true")
		if opts.TLS.CAFile != "" {
			params = append(params, "tlsCAFile="+url.QueryEscape(opts.TLS.CAFile))
		}
		if opts.TLS.CertificateKeyFile != "" {
			params = append(params, "tlsCertificateKeyFile="+url.QueryEscape(opts.TLS.CertificateKeyFile))
		}
		if opts.TLS.AllowInvalidCertificates {
			params = append(params, "tlsAllowInvalidCertificates=true")
		}
	}
	if opts.Credential != nil {
		params = append(params, "authSource=admin")
	}

	if len(params) > 0 {
		b.WriteString("?")
		b.WriteString(strings.Join(params, "&"))
	}
	return b.String()
}
