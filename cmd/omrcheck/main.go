package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/pkg/detection"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "omrcheck",
		Short:        "Offline checks for scanned exam pages",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	root.AddCommand(qualityCmd(), folioCmd(), qrCmd(), scanCmd(), analyzeCmd())
	return root
}

// viperForCmd binds a command's flags and OMR_* environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.InheritedFlags())
	v.SetEnvPrefix("OMR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func loggerForCmd(cmd *cobra.Command) zerolog.Logger {
	level, err := zerolog.ParseLevel(viperForCmd(cmd).GetString("log-level"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()
}

func writeJSON(w io.Writer, value interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

type qualityLine struct {
	File   string                      `json:"file"`
	Report models.CaptureQualityReport `json:"report"`
	Error  string                      `json:"error,omitempty"`
}

func qualityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality <image>...",
		Short: "Run the capture quality gate on image files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			thresholds := quality.DefaultThresholds()
			thresholds.MinBlurVariance = v.GetFloat64("min-blur")
			thresholds.MinBrightness = v.GetFloat64("min-brightness")
			thresholds.MaxBrightness = v.GetFloat64("max-brightness")
			thresholds.MinSheetAreaRatio = v.GetFloat64("min-sheet-ratio")

			rejected := 0
			lines := make([]qualityLine, 0, len(args))
			for _, path := range args {
				line := qualityLine{File: path}
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				report, err := thresholds.EvaluateBytes(data)
				line.Report = report
				if err != nil {
					line.Error = err.Error()
				}
				if !report.Approved {
					rejected++
				}
				lines = append(lines, line)
			}

			if err := writeJSON(cmd.OutOrStdout(), lines); err != nil {
				return err
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d captures rejected", rejected, len(args))
			}
			return nil
		},
	}
	defaults := quality.DefaultThresholds()
	f := cmd.Flags()
	f.Float64("min-blur", defaults.MinBlurVariance, "Minimum Laplacian variance")
	f.Float64("min-brightness", defaults.MinBrightness, "Minimum mean luminance")
	f.Float64("max-brightness", defaults.MaxBrightness, "Maximum mean luminance")
	f.Float64("min-sheet-ratio", defaults.MinSheetAreaRatio, "Minimum sheet bounding box ratio")
	return cmd
}

func folioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folio <text>",
		Short: "Extract the exam folio from decoded QR text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := folio.Parse(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), parsed)
		},
	}
}

func decodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return quality.Decode(data)
}

func qrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "qr <image>",
		Short: "Decode the QR code printed on a page image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := decodeFile(args[0])
			if err != nil {
				return err
			}
			parsed, text, err := folio.DecodeImage(img)
			if err != nil {
				if errors.Is(err, folio.ErrQrNotAFolio) {
					return fmt.Errorf("%w: %s", err, text)
				}
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"folio": parsed.Token,
				"page":  parsed.Page,
				"text":  text,
			})
		},
	}
}

// dirFrames replays the image files of a directory in name order, as exported by a
// capture device.
type dirFrames struct {
	mu     sync.Mutex
	files  []string
	next   int
	logger zerolog.Logger
}

var errNoMoreFrames = errors.New("no more frames")

func (d *dirFrames) Frame(context.Context) (image.Image, error) {
	d.mu.Lock()
	if d.next >= len(d.files) {
		d.mu.Unlock()
		return nil, errNoMoreFrames
	}
	path := d.files[d.next]
	d.next++
	d.mu.Unlock()

	img, err := decodeFile(path)
	if err != nil {
		d.logger.Debug().Err(err).Str("frame", path).Msg("skipping unreadable frame")
		return nil, err
	}
	return img, nil
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Poll the frames of a directory until one carries an exam folio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			logger := loggerForCmd(cmd)

			entries, err := os.ReadDir(args[0])
			if err != nil {
				return err
			}
			files := make([]string, 0, len(entries))
			for _, entry := range entries {
				if !entry.IsDir() {
					files = append(files, filepath.Join(args[0], entry.Name()))
				}
			}
			sort.Strings(files)

			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()

			scanner := folio.Scanner{
				Source:   &dirFrames{files: files, logger: logger},
				Interval: v.GetDuration("interval"),
				OnAccessCode: func(text string) {
					logger.Warn().Str("text", text).Msg("access code seen, not an exam sheet")
				},
			}
			parsed, err := scanner.Scan(ctx)
			if err != nil {
				return fmt.Errorf("no folio found: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), parsed)
		},
	}
	f := cmd.Flags()
	f.Duration("interval", 10*time.Millisecond, "Delay between frames")
	f.Duration("timeout", 5*time.Second, "Give up after this long")
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Gate a page and send it to the detection service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			logger := loggerForCmd(cmd)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			report, err := quality.EvaluateBytes(data)
			if err != nil {
				return err
			}
			if rejection := quality.Rejection(report); rejection != nil {
				return rejection
			}

			client, err := detection.NewClient(detection.Config{
				BaseURL:                v.GetString("detection-url"),
				Timeout:                v.GetDuration("timeout"),
				DefaultTemplateVersion: v.GetInt("template-version"),
				Logger:                 logger,
			})
			if err != nil {
				return err
			}

			result, err := client.Analyze(cmd.Context(), folio.Normalize(v.GetString("folio")), v.GetInt("page"), data)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	f := cmd.Flags()
	f.String("detection-url", "", "Detection service base URL (or OMR_DETECTION_URL)")
	f.String("folio", "", "Exam folio; empty lets the service read the QR")
	f.Int("page", 0, "Page number; 0 lets the service infer it")
	f.Int("template-version", 1, "Template version assumed when the service omits it")
	f.Duration("timeout", 30*time.Second, "Request timeout")
	return cmd
}
