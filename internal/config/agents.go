package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"siderwatch/internal/agent"
)

// AgentFile 是 sds-agent 的配置文件：一个文件可声明多个服务。
// 只含单个服务定义的文件同样被接受。
type AgentFile struct {
	Servers          []string       `yaml:"servers" validate:"omitempty,dive,required"`
	DeregisterOnExit bool           `yaml:"deregister_on_exit"`
	Services         []agent.Config `yaml:"services" validate:"dive"`
}

// LoadAgents 从文件或目录（*.yaml/*.yml/*.json）加载服务定义，按文件名顺序合并。
// 未在文件中声明 servers 时返回的 servers 为空，由调用方使用命令行默认值。
func LoadAgents(path string) (servers []string, services []agent.Config, err error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, nil, &Error{Source: path, Err: err}
	}
	files := []string{path}
	if st.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, nil, &Error{Source: path, Err: err}
		}
		files = files[:0]
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".yaml", ".yml", ".json":
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}
	for _, f := range files {
		af, err := loadAgentFile(f)
		if err != nil {
			return nil, nil, &Error{Source: f, Err: err}
		}
		if len(servers) == 0 {
			servers = af.Servers
		}
		services = append(services, af.Services...)
	}
	return servers, services, nil
}

func loadAgentFile(file string) (*AgentFile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	// 先尝试聚合结构
	var af AgentFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if len(af.Services) == 0 {
		// 单服务结构
		var single agent.Config
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		if single.Service == "" {
			return nil, errors.New("no services defined")
		}
		af.Services = []agent.Config{single}
	}
	if af.DeregisterOnExit {
		for i := range af.Services {
			af.Services[i].DeregisterOnExit = true
		}
	}
	if err := validate.Struct(&af); err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	return &af, nil
}
