package transport

import "strings"

// Routes reports whether a message published with routingKey follows a
// binding declared with bindingKey on an exchange of the given kind.
// Adapters for brokers without native exchanges route with it.
func Routes(kind ExchangeKind, bindingKey, routingKey string) bool {
	switch kind {
	case Fanout:
		return true
	case Topic:
		return TopicMatch(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

// TopicMatch matches dot-separated words: '*' is exactly one word, '#' is
// zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || p[0] != k[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
