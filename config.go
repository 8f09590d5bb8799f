package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"oraclesim/arb"
)

const (
	defaultJobQueueSize = 64
	defaultSQLitePath   = "oraclesim.db"
	defaultHTTPAddr     = ":8080"
)

// AppConfig 应用配置
type AppConfig struct {
	SQLitePath        string
	HTTPAddr          string
	JobQueueSize      int
	BracketMultiplier int64
	LogLevel          slog.Level
	// PresetsPath 池子预设文件，为空时使用内置预设
	PresetsPath string
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*AppConfig, error) {
	queueSize := defaultJobQueueSize
	if queueSizeEnv := strings.TrimSpace(os.Getenv("ORACLESIM_JOB_QUEUE_SIZE")); queueSizeEnv != "" {
		parsed, err := strconv.Atoi(queueSizeEnv)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("ORACLESIM_JOB_QUEUE_SIZE 非法值: %s", queueSizeEnv)
		}
		queueSize = parsed
	}

	multiplier := int64(arb.DefaultBracketMultiplier)
	if multiplierEnv := strings.TrimSpace(os.Getenv("ORACLESIM_BRACKET_MULTIPLIER")); multiplierEnv != "" {
		parsed, err := strconv.ParseInt(multiplierEnv, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("ORACLESIM_BRACKET_MULTIPLIER 非法值: %s", multiplierEnv)
		}
		multiplier = parsed
	}

	level := log.LevelInfo
	if levelEnv := strings.TrimSpace(os.Getenv("ORACLESIM_LOG_LEVEL")); levelEnv != "" {
		parsed, err := parseLogLevel(levelEnv)
		if err != nil {
			return nil, fmt.Errorf("ORACLESIM_LOG_LEVEL 非法值: %s", levelEnv)
		}
		level = parsed
	}

	sqlitePath := strings.TrimSpace(os.Getenv("ORACLESIM_SQLITE_PATH"))
	if sqlitePath == "" {
		sqlitePath = defaultSQLitePath
	}

	httpAddr := strings.TrimSpace(os.Getenv("ORACLESIM_HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}

	return &AppConfig{
		SQLitePath:        sqlitePath,
		HTTPAddr:          httpAddr,
		JobQueueSize:      queueSize,
		BracketMultiplier: multiplier,
		LogLevel:          level,
		PresetsPath:       strings.TrimSpace(os.Getenv("ORACLESIM_PRESETS")),
	}, nil
}

// parseLogLevel 解析日志级别，除 slog 的级别名外还接受 trace 和 crit
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace", "trce":
		return log.LevelTrace, nil
	case "crit":
		return log.LevelCrit, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return lvl, nil
}
