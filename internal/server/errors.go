package server

import (
	"bufio"
	"io"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

func errBusy(msg string) error {
	return barerr.New(barerr.CodeConnectFail, "%s", msg)
}

func errAborted() error {
	return barerr.New(barerr.CodeAborted, "aborted")
}

func errNoTLSCert() error {
	return barerr.New(barerr.CodeNoTlsCertificate, "no TLS certificate configured")
}

func errNoTLSKey() error {
	return barerr.New(barerr.CodeNoTlsKey, "no TLS key configured")
}

func newReader(rw io.ReadWriter) *bufio.Reader {
	return bufio.NewReader(rw)
}

func newWriter(rw io.ReadWriter) *bufio.Writer {
	return bufio.NewWriter(rw)
}
