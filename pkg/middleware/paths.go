package middleware

import "strings"

// PathMatcher はパスの許可リストを判定する。
// パターンは完全一致か、末尾が"/**"の場合はその配下すべてに一致する。
type PathMatcher struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewPathMatcher はパターン一覧からPathMatcherを生成する。
func NewPathMatcher(patterns []string) *PathMatcher {
	m := &PathMatcher{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if base, ok := strings.CutSuffix(p, "/**"); ok {
			m.exact[normalizePath(base)] = struct{}{}
			m.prefixes = append(m.prefixes, normalizePath(base)+"/")
			continue
		}
		m.exact[normalizePath(p)] = struct{}{}
	}
	return m
}

// Match はpathがいずれかのパターンに一致するかを返す。
func (m *PathMatcher) Match(path string) bool {
	path = normalizePath(path)
	if _, ok := m.exact[path]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// normalizePath は末尾のスラッシュを取り除く。ルートはそのまま返す。
func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
