package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// RotationScheme marks output paths written through a rotating file sink
	RotationScheme = "rotate"

	_defaultLogLevel    = "INFO"
	_defaultLogEncoding = "console"

	_rotateMaxSize    = "maxSize"
	_rotateMaxAge     = "maxAge"
	_rotateMaxBackups = "maxBackups"
	_rotateLocalTime  = "localTime"
	_rotateCompress   = "compress"
)

var (
	_registerRotation sync.Once
	_registerErr      error
)

// Log configures the zap logger of a process and the rotation of its log files
type Log struct {
	Zap            zap.Config
	Rotate         Rotate
	EnableRotation bool
	Level          string
}

// Rotate holds the lumberjack settings applied to every rotated output path
type Rotate struct {
	// MaxSize is the size in megabytes a file reaches before it is rotated
	MaxSize int
	// MaxAge is the number of days old files are kept, 0 keeps them forever
	MaxAge int
	// MaxBackups is the number of old files kept, 0 keeps all of them
	MaxBackups int
	// LocalTime names backups with local time instead of UTC
	LocalTime bool
	// Compress gzips rotated files
	Compress bool
}

// NewLog creates a default logging configuration.
func NewLog() *Log {
	log := &Log{
		Zap:   zap.NewProductionConfig(),
		Level: _defaultLogLevel,
	}
	log.Zap.Encoding = _defaultLogEncoding
	log.Zap.OutputPaths = []string{"stderr"}
	log.Zap.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	log.Zap.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return log
}

// Adjust applies Level and rotation to the zap configuration
func (l *Log) Adjust() error {
	if l.Zap.ErrorOutputPaths == nil {
		l.Zap.ErrorOutputPaths = append([]string(nil), l.Zap.OutputPaths...)
	}

	if l.EnableRotation {
		wd, err := os.Getwd()
		if err != nil {
			return errors.WithMessage(err, "get current directory")
		}
		l.Zap.OutputPaths = l.Rotate.apply(l.Zap.OutputPaths, wd)
		l.Zap.ErrorOutputPaths = l.Rotate.apply(l.Zap.ErrorOutputPaths, wd)
	}

	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return errors.WithMessage(err, "parse log level")
	}
	l.Zap.Level = zap.NewAtomicLevelAt(level)
	return nil
}

// Logger builds a logger from the configuration. It should be called after Adjust.
func (l *Log) Logger() (*zap.Logger, error) {
	if l.EnableRotation {
		if err := registerRotation(); err != nil {
			return nil, errors.WithMessage(err, "register rotation sink")
		}
	}

	logger, err := l.Zap.Build()
	if err != nil {
		return nil, errors.WithMessage(err, "build logger")
	}
	return logger, nil
}

func logConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("log-level", _defaultLogLevel, "the minimum enabled logging level")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	fs.String("log-encoding", _defaultLogEncoding, "log encoding, one of 'json' and 'console'")
	_ = v.BindPFlag("log.zap.encoding", fs.Lookup("log-encoding"))
	fs.StringSlice("log-output-paths", []string{"stderr"}, "URLs or file paths to write logging output to")
	_ = v.BindPFlag("log.zap.outputPaths", fs.Lookup("log-output-paths"))
	fs.Bool("log-enable-rotation", false, "whether to rotate log files written to paths")
	_ = v.BindPFlag("log.enableRotation", fs.Lookup("log-enable-rotation"))
	fs.Int("log-rotate-max-size", 64, "maximum size in megabytes of a log file before it gets rotated")
	_ = v.BindPFlag("log.rotate.maxSize", fs.Lookup("log-rotate-max-size"))
	fs.Int("log-rotate-max-backups", 8, "maximum number of old log files to retain")
	_ = v.BindPFlag("log.rotate.maxBackups", fs.Lookup("log-rotate-max-backups"))
}

// apply turns file paths into rotation URLs carrying r, relative paths are resolved against wd
func (r Rotate) apply(paths []string, wd string) []string {
	results := make([]string, len(paths))
	for i, path := range paths {
		switch path {
		case "stderr", "stdout":
			results[i] = path
		default:
			if !filepath.IsAbs(path) {
				path = filepath.Join(wd, path)
			}
			u := url.URL{Scheme: RotationScheme, Path: path, RawQuery: r.query().Encode()}
			results[i] = u.String()
		}
	}
	return results
}

func (r Rotate) query() url.Values {
	q := url.Values{}
	putInt := func(key string, v int) {
		if v != 0 {
			q.Set(key, strconv.Itoa(v))
		}
	}
	putInt(_rotateMaxSize, r.MaxSize)
	putInt(_rotateMaxAge, r.MaxAge)
	putInt(_rotateMaxBackups, r.MaxBackups)
	if r.LocalTime {
		q.Set(_rotateLocalTime, "true")
	}
	if r.Compress {
		q.Set(_rotateCompress, "true")
	}
	return q
}

func parseRotate(q url.Values) (Rotate, error) {
	var r Rotate
	ints := []struct {
		key string
		dst *int
	}{
		{_rotateMaxSize, &r.MaxSize},
		{_rotateMaxAge, &r.MaxAge},
		{_rotateMaxBackups, &r.MaxBackups},
	}
	for _, it := range ints {
		s := q.Get(it.key)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return Rotate{}, errors.Wrapf(err, "parse %s", it.key)
		}
		*it.dst = v
	}
	r.LocalTime = q.Get(_rotateLocalTime) == "true"
	r.Compress = q.Get(_rotateCompress) == "true"
	return r, nil
}

type rotation struct {
	*lumberjack.Logger
}

// Sync implements zap.Sink. lumberjack writes through to the file.
func (rotation) Sync() error {
	return nil
}

// registerRotation installs the rotation sink with zap. zap rejects a scheme registered twice.
func registerRotation() error {
	_registerRotation.Do(func() {
		_registerErr = zap.RegisterSink(RotationScheme, newRotation)
	})
	return _registerErr
}

func newRotation(u *url.URL) (zap.Sink, error) {
	r, err := parseRotate(u.Query())
	if err != nil {
		return nil, err
	}
	return rotation{&lumberjack.Logger{
		Filename:   u.Path,
		MaxSize:    r.MaxSize,
		MaxAge:     r.MaxAge,
		MaxBackups: r.MaxBackups,
		LocalTime:  r.LocalTime,
		Compress:   r.Compress,
	}}, nil
}
