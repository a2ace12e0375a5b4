package ignore

import (
	"os"

	"patchmirror/pkg/core"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile 是存储根目录下可选的排除规则文件
const IgnoreFile = ".mirrorignore"

// Matcher 封装了排除逻辑
// 它负责判断清单中的某个资源是否应该被镜像跳过
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 初始化排除匹配器
// patterns: 配置中的 gitignore 风格规则 (sync.exclude)
// file: 额外的规则文件路径，不存在时忽略
func NewMatcher(patterns []string, file string) (*Matcher, error) {
	var ignorer *gitignore.GitIgnore
	var err error

	if file != "" {
		if _, errStat := os.Stat(file); errStat == nil {
			// 情况 A: 有规则文件，与配置规则合并编译
			ignorer, err = gitignore.CompileIgnoreFileAndLines(file, patterns...)
		}
	}
	if ignorer == nil && err == nil {
		if len(patterns) == 0 {
			// 情况 B: 没有任何规则，什么都不排除
			return &Matcher{}, nil
		}
		ignorer = gitignore.CompileIgnoreLines(patterns...)
	}

	if err != nil {
		return nil, err
	}

	return &Matcher{ignorer: ignorer}, nil
}

// Matches 检查给定的资源路径是否应被排除
// path: 清单中的相对路径 (例如 "Data/GameData/Root.wad")
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}

// Filter 返回未被排除的资源 (保持原顺序) 以及被排除的数量
func (m *Matcher) Filter(assets []core.Asset) ([]core.Asset, int) {
	if m == nil || m.ignorer == nil {
		return assets, 0
	}
	kept := make([]core.Asset, 0, len(assets))
	for _, a := range assets {
		if m.Matches(a.Path.String()) {
			continue
		}
		kept = append(kept, a)
	}
	return kept, len(assets) - len(kept)
}
