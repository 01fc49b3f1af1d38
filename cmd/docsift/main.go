package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	cfgpkg "docsift/internal/config"
	"docsift/internal/diag"
	"docsift/pkg/contract"
)

// 简化的 CLI：默认子命令 run。
// 位置参数为 inputs（JSONL 文件 或 "-" 表示 STDIN，不能与其他来源混用）。
// 全局旗标（最小集）：--config, --engine, --output, --in-place
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 从配置读取日志级别，仅保留 level 选项；默认 info
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel)
	// flags
	var (
		flagConfig  string
		flagEngine  string
		flagOutput  string
		flagInPlace bool
		flagInitDir string
		flagStatus  bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON 或 YAML）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagEngine, "engine", "", "引擎名称（覆盖配置）")
	flag.StringVar(&flagOutput, "output", "", "结果 JSONL 输出路径（覆盖配置；空为 STDOUT）")
	flag.BoolVar(&flagInPlace, "in-place", false, "直接修改输入批次，跳过深拷贝")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	// inputs（位置参数）
	inputs := flag.Args()

	// --init-config: 生成模板并退出
	if dir := strings.TrimSpace(flagInitDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	// JSON 配置（文件或 ENV: DOCSIFT_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv("DOCSIFT_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		if s := os.Getenv("DOCSIFT_CONFIG_FILE"); s != "" {
			flagConfig = s
		}
	}
	// 默认读取工作目录下 config.json（若存在）
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.Load(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖（最小集合）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	if flagEngine != "" {
		overCLI.Engine = flagEngine
	}
	if flagOutput != "" {
		overCLI.Output = flagOutput
	}
	if flagInPlace {
		overCLI.InPlace = true
	}
	if len(inputs) > 0 {
		overCLI.Inputs = inputs
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	// 基本校验
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	// 使用最终配置中的日志级别重建 logger
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}
	logger = diag.NewLogger(corrID, logLevel)

	// 装配
	p, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	// 文档摄取
	docs, err := readDocs(cfg.Inputs)
	if err != nil {
		fprintf(os.Stderr, "输入读取失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	// debug: 输出运行时配置信息（已脱敏）
	if logger != nil {
		kv := map[string]string{
			"inputs_count": fmt.Sprintf("%d", len(cfg.Inputs)),
			"docs":         fmt.Sprintf("%d", len(docs)),
			"engine":       cfg.Engine,
			"tasks":        fmt.Sprintf("%d", p.Tasks()),
		}
		if def, ok := cfg.Engines[cfg.Engine]; ok {
			kv["engine_type"] = def.Type
			// 解析常见无敏感项
			type small struct {
				BaseURL   string `json:"base_url"`
				ServerURL string `json:"server_url"`
				Model     string `json:"model"`
			}
			var s small
			_ = json.Unmarshal(def.Options, &s)
			if s.BaseURL != "" {
				kv["base_url"] = s.BaseURL
			}
			if s.ServerURL != "" {
				kv["server_url"] = s.ServerURL
			}
			if s.Model != "" {
				kv["model"] = s.Model
			}
		}
		logger.DebugStart("config", "effective", "", "", kv)
	}

	// 运行流水线
	t := logger.Start("cli", "run")
	out, err := p.Run(context.Background(), docs, cfg.InPlace)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("cli", code, "first error", &start)
		diag.IncOp("cli", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("cli", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		return 1
	}
	if t != nil {
		t.Finish("run", int64(len(out)))
	}

	// 结果写出
	if err := writeDocs(cfg.Output, out); err != nil {
		fprintf(os.Stderr, "结果写出失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 1
	}
	diag.IncOp("cli", "finish", "success")
	diag.ObserveDuration("cli", "finish", time.Since(start).Milliseconds())
	return 0
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

// readDocs 从 JSONL 来源读入文档批次。
// 每行一个 JSON 文档对象；空行跳过；无 ID 的文档在摄取期分配 UUID。
func readDocs(inputs []string) ([]*contract.Doc, error) {
	var docs []*contract.Doc
	for _, src := range inputs {
		var r io.Reader
		if strings.TrimSpace(src) == "-" {
			r = os.Stdin
		} else {
			f, err := os.Open(src)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			raw := strings.TrimSpace(sc.Text())
			if raw == "" {
				continue
			}
			var d contract.Doc
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", src, line, err)
			}
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			docs = append(docs, &d)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", src, err)
		}
	}
	return docs, nil
}

// writeDocs 将文档批次写为 JSONL；dest 为空或 "-" 时写 STDOUT。
func writeDocs(dest string, docs []*contract.Doc) error {
	var w io.Writer = os.Stdout
	if dest != "" && dest != "-" {
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		// 去除成对引号
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					// 最小转义处理
					val = strings.ReplaceAll(val, "\\n", "\n")
					val = strings.ReplaceAll(val, "\\t", "\t")
					val = strings.ReplaceAll(val, "\\r", "\r")
					val = strings.ReplaceAll(val, "\\\"", "\"")
					val = strings.ReplaceAll(val, "\\\\", "\\")
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
// 仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		// 已存在直接跳过
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# docsift .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置；按需填写后移除本行注释。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("DOCSIFT_CONFIG_FILE=\n")
	b.WriteString("DOCSIFT_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	b.WriteString("DOCSIFT_INPUTS=\n")
	b.WriteString("DOCSIFT_OUTPUT=\n")
	b.WriteString("DOCSIFT_IN_PLACE=\n")
	b.WriteString("DOCSIFT_ENGINE=\n")
	b.WriteString("DOCSIFT_LOGGING_LEVEL=\n\n")

	b.WriteString("# 引擎覆盖\n")
	b.WriteString("DOCSIFT_ENGINE__openai__TYPE=\n")
	b.WriteString("DOCSIFT_ENGINE__openai__OPTIONS_JSON=\n")
	b.WriteString("DOCSIFT_ENGINE__ollama__TYPE=\n")
	b.WriteString("DOCSIFT_ENGINE__ollama__OPTIONS_JSON=\n\n")

	b.WriteString("# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return nil
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
// 兼容以下形式：
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
//
// 仅在检测到“裸开关或后继为下一个开关”的情况下插入默认值。
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 {
				out = append(out, ".")
				continue
			}
			if strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
				continue
			}
		}
	}
	os.Args = out
}
