package oracle

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FetchFunc downloads a malware-list URL and returns parsed "name@version"
// entries. Injectable for tests.
type FetchFunc func(url string) ([]string, error)

// HTTPFetcher returns a FetchFunc that downloads malware lists via HTTP
// and parses entries from the response body.
//
// Only http:// and https:// URLs are accepted. Source URLs are
// operator-controlled config, not untrusted user input.
func HTTPFetcher() FetchFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(url string) ([]string, error) {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("fetch %s: only http:// and https:// URLs are supported", url)
		}

		resp, err := client.Get(url) //nolint:gosec // URL comes from operator config, validated above
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
		defer resp.Body.Close() //nolint:errcheck // response body close in defer

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		}

		return ParseEntries(resp.Body), nil
	}
}
