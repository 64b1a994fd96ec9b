package mitm

import (
	"io"
	"net/http"

	"github.com/safe-chain/safe-chain/internal/interceptor"
)

// Exported aliases for unexported helpers, for use from package mitm_test.

func WriteBlockResponseForTest(w io.Writer, block *interceptor.BlockResponse) error {
	return writeBlockResponse(w, block)
}

func GunzipForTest(body []byte) ([]byte, error) {
	return gunzip(body)
}

func GzipBytesForTest(body []byte) ([]byte, error) {
	return gzipBytes(body)
}

func IsClosedConnErrForTest(err error) bool {
	return isClosedConnErr(err)
}

func RemoveHopByHopHeadersForTest(h http.Header) {
	removeHopByHopHeaders(h)
}
