package config

import (
	"errors"
	"fmt"
	"strings"

	"docsift/internal/diag"
	"docsift/pkg/contract"
	"docsift/pkg/pipeline"
	"docsift/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他来源混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other inputs")
	}
	if cfg.Engine == "" {
		return errors.New("config: engine not set")
	}
	def, ok := cfg.Engines[cfg.Engine]
	if !ok {
		return fmt.Errorf("config: engine %q not found", cfg.Engine)
	}
	if def.Type == "" {
		return fmt.Errorf("config: engine %q missing type", cfg.Engine)
	}
	if registry.Engine[def.Type] == nil {
		return fmt.Errorf("config: engine type %q not registered", def.Type)
	}
	if len(cfg.Tasks) == 0 {
		return errors.New("config: tasks empty")
	}
	for i, td := range cfg.Tasks {
		if strings.TrimSpace(td.ID) == "" {
			return fmt.Errorf("config: tasks[%d] missing id", i)
		}
		if registry.Task[td.Type] == nil {
			return fmt.Errorf("config: task type %q not registered", td.Type)
		}
	}
	return nil
}

// Assemble 构造引擎与任务链。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 重复 ID 与链式形状检查由 pipeline.Add 承担。
func Assemble(cfg Config, log *diag.Logger) (*pipeline.Pipeline, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	def := cfg.Engines[cfg.Engine]
	eng, err := registry.BuildEngine(def.Type, def.Options)
	if err != nil {
		return nil, err
	}
	p := pipeline.New(pipeline.Options{Logger: log, Label: cfg.Engine})
	for _, td := range cfg.Tasks {
		t, err := registry.BuildTask(td.Type, contract.TaskID(td.ID), eng, td.Options, log)
		if err != nil {
			return nil, fmt.Errorf("config: task %s: %w", td.ID, err)
		}
		if err := p.Add(t); err != nil {
			return nil, err
		}
	}
	return p, nil
}
