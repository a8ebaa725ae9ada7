package uri

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var brokerRE = regexp.MustCompile(`^[-.a-zA-Z0-9]+:\d+$`)

// ParseBootstrap parses a list of bootstrap brokers in one of the following
// formats:
//
// broker1:port1,broker2:port2,...
//
// kafka://broker1:port1,broker2:port2,...
//
// Whitespace around entries is ignored. Duplicates are removed, order is
// kept.
func ParseBootstrap(s string) ([]string, error) {
	list := strings.TrimPrefix(strings.TrimSpace(s), "kafka://")
	list = strings.TrimSuffix(list, "/")
	if list == "" {
		return nil, fmt.Errorf("invalid bootstrap endpoints %q: host:port[,host:port...] expected", s)
	}

	var brokers []string
	seen := map[string]bool{}
	for _, b := range strings.Split(list, ",") {
		b = strings.TrimSpace(b)
		if !brokerRE.MatchString(b) {
			return nil, fmt.Errorf("invalid bootstrap endpoints %q: host:port[,host:port...] expected", s)
		}
		_, port, _ := net.SplitHostPort(b)
		if p, err := strconv.Atoi(port); err != nil || p == 0 || p > 65535 {
			return nil, fmt.Errorf("invalid bootstrap endpoints %q: bad port in %s", s, b)
		}
		if !seen[b] {
			seen[b] = true
			brokers = append(brokers, b)
		}
	}
	return brokers, nil
}
