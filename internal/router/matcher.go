package router

import (
	"regexp"
	"strings"
)

// Matcher decides whether a route rule applies to a message.
type Matcher interface {
	// Matches reports whether the rule should fire for msg.
	Matches(msg *Message) bool
}

// exactMatcher fires on one literal topic.
type exactMatcher struct {
	topic string
}

func (m exactMatcher) Matches(msg *Message) bool {
	return msg.Topic == m.topic
}

// ExactTopic returns a matcher that fires only on the given topic.
func ExactTopic(topic string) Matcher {
	return exactMatcher{topic: topic}
}

// prefixMatcher fires on any topic under a prefix.
type prefixMatcher struct {
	prefix string
}

func (m prefixMatcher) Matches(msg *Message) bool {
	return strings.HasPrefix(msg.Topic, m.prefix)
}

// TopicPrefix returns a matcher that fires on any topic starting with
// the given prefix.
func TopicPrefix(prefix string) Matcher {
	return prefixMatcher{prefix: prefix}
}

// patternMatcher fires on topics matching a compiled regular
// expression. A pattern that failed to compile never matches; the rule
// stays registered but inert rather than taking the router down.
type patternMatcher struct {
	re *regexp.Regexp
}

func (m patternMatcher) Matches(msg *Message) bool {
	if m.re == nil {
		return false
	}
	return m.re.MatchString(msg.Topic)
}

// TopicPattern returns a matcher that fires on topics matching the
// given regular expression. A malformed pattern yields a matcher that
// never fires.
func TopicPattern(pattern string) Matcher {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return patternMatcher{re: nil}
	}
	return patternMatcher{re: re}
}

// serviceReplyMatcher fires on service replies, optionally filtered by
// method. The wildcard method "*" accepts every reply.
type serviceReplyMatcher struct {
	method string
}

func (m serviceReplyMatcher) Matches(msg *Message) bool {
	if msg.Type != TypeServiceReply {
		return false
	}
	return m.method == MethodWildcard || msg.Envelope.Method == m.method
}

// MethodWildcard matches every service method in a service-reply rule.
const MethodWildcard = "*"

// ServiceReply returns a matcher that fires on service replies for the
// given method, or for all methods when method is MethodWildcard.
func ServiceReply(method string) Matcher {
	return serviceReplyMatcher{method: method}
}
