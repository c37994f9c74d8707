// Command vectortext runs the recognition pipeline over a drawing snapshot
// file and prints the recognized lines as JSON. With -submit it hands the
// snapshot to the worker queue instead, and with -job it prints the lines
// a worker stored for a job.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/vectortext-worker/internal/config"
	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
	"github.com/adverant/nexus/vectortext-worker/internal/logging"
	"github.com/adverant/nexus/vectortext-worker/internal/ocr"
	"github.com/adverant/nexus/vectortext-worker/internal/processor"
	"github.com/adverant/nexus/vectortext-worker/internal/queue"
	"github.com/adverant/nexus/vectortext-worker/internal/storage"
)

type options struct {
	snapshotPath string
	pngDir       string
	textOnly     bool
	recognition  config.RecognitionConfig

	// -job
	jobID       string
	databaseURL string

	// -submit
	submit     bool
	drawingID  string
	maxRetries int
}

// jobReader is the read side of the result store.
type jobReader interface {
	GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error)
	GetRecognizedLines(ctx context.Context, jobID string) ([]storage.LineRecord, error)
}

type lineOutput struct {
	Text       string     `json:"text"`
	Anchor     [3]float64 `json:"anchor"`
	Height     float64    `json:"height"`
	Confidence float64    `json:"confidence"`
}

type jobOutput struct {
	Job   map[string]interface{} `json:"job"`
	Lines []lineOutput           `json:"lines"`
}

type output struct {
	RunID     string           `json:"runId"`
	Policy    string           `json:"policy"`
	Tolerance float64          `json:"tolerance"`
	Text      string           `json:"text"`
	Lines     []lineOutput     `json:"lines"`
	Report    processor.Report `json:"report"`
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vectortext: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vectortext: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	_ = godotenv.Load(".env.vectortext")

	rc, err := config.LoadRecognitionConfig()
	if err != nil {
		return options{}, err
	}

	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: vectortext [flags] <snapshot.json>\n")
		flag.PrintDefaults()
	}
	pngDir := flag.String("png-dir", "", "Write each classified cluster bitmap as PNG into this directory")
	textOnly := flag.Bool("text", false, "Print only the joined text")
	policy := flag.String("policy", rc.ClusterPolicy, "Clustering policy: local-seed or whole-cluster")
	scale := flag.Float64("scale", rc.ToleranceScale, "Tolerance scale (0 keeps the policy default)")
	samples := flag.Int("samples", rc.SplineSamples, "Spline samples per curve")
	tessdata := flag.String("tessdata", rc.TessdataPrefix, "Tesseract tessdata directory")
	lang := flag.String("lang", rc.OCRLanguage, "Tesseract languages, '+'-separated")
	debug := flag.Bool("debug", false, "Log every cluster")
	flag.StringVar(&opts.jobID, "job", "", "Print the stored lines of a finished job instead of recognizing a file")
	flag.StringVar(&opts.databaseURL, "db", os.Getenv("DATABASE_URL"), "PostgreSQL URL for -job")
	flag.BoolVar(&opts.submit, "submit", false, "Queue the snapshot for the worker instead of recognizing it locally")
	flag.StringVar(&opts.drawingID, "drawing", "", "Drawing ID recorded with -submit")
	flag.IntVar(&opts.maxRetries, "max-retries", 3, "Retry budget for -submit")
	flag.Parse()

	switch {
	case opts.jobID != "":
		if flag.NArg() != 0 {
			flag.Usage()
			return options{}, fmt.Errorf("-job takes no snapshot path")
		}
		if opts.databaseURL == "" {
			return options{}, fmt.Errorf("-job needs -db or DATABASE_URL")
		}
	case flag.NArg() != 1:
		flag.Usage()
		return options{}, fmt.Errorf("missing snapshot path")
	}

	rc.ClusterPolicy = *policy
	rc.ToleranceScale = *scale
	rc.SplineSamples = *samples
	rc.TessdataPrefix = *tessdata
	rc.OCRLanguage = *lang
	if err := rc.Validate(); err != nil {
		return options{}, err
	}
	if *debug {
		logging.SetLevel(logging.LevelDebug)
		logging.ConfigureRenderer()
	}

	opts.snapshotPath = flag.Arg(0)
	opts.pngDir = *pngDir
	opts.textOnly = *textOnly
	opts.recognition = *rc
	return opts, nil
}

func run(ctx context.Context, opts options, w io.Writer) error {
	if opts.jobID != "" {
		pg, err := storage.NewPostgresClient(opts.databaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		return showJob(ctx, pg, opts.jobID, opts.textOnly, w)
	}

	data, err := os.ReadFile(opts.snapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := geometry.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	if opts.submit {
		qc, err := config.LoadQueueConfig()
		if err != nil {
			return err
		}
		return submit(ctx, qc, opts, data, w)
	}

	return recognize(ctx, snap, ocr.NewTesseract(opts.recognition.Tesseract()), opts, w)
}

// submit queues the raw snapshot in the format the worker's configured
// queue mode consumes and prints the job ID.
func submit(ctx context.Context, qc *config.QueueConfig, opts options, data []byte, w io.Writer) error {
	payload := queue.JobPayload{
		JobID:     uuid.New().String(),
		DrawingID: opts.drawingID,
		Snapshot:  data,
		Metadata:  map[string]interface{}{"source": filepath.Base(opts.snapshotPath)},
	}

	var (
		id  string
		err error
	)
	switch qc.QueueMode {
	case config.QueueModeAsynq:
		redisOpt, perr := asynq.ParseRedisURI(qc.RedisURL)
		if perr != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", perr)
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		id, err = queue.Submit(ctx, client, qc.QueueName, payload, opts.maxRetries, int64(qc.ProcessingTimeout))
	default:
		redisOpt, perr := redis.ParseURL(qc.RedisURL)
		if perr != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", perr)
		}
		client := redis.NewClient(redisOpt)
		defer client.Close()
		id, err = queue.Enqueue(ctx, client, qc.QueueName, payload, opts.maxRetries)
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, id)
	return err
}

// showJob prints a stored job and its lines.
func showJob(ctx context.Context, store jobReader, jobID string, textOnly bool, w io.Writer) error {
	job, err := store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	records, err := store.GetRecognizedLines(ctx, jobID)
	if err != nil {
		return err
	}

	if textOnly {
		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = r.Text
		}
		_, err := fmt.Fprintln(w, strings.Join(texts, "\n"))
		return err
	}

	out := jobOutput{Job: job, Lines: make([]lineOutput, len(records))}
	for i, r := range records {
		out.Lines[i] = lineOutput{
			Text:       r.Text,
			Anchor:     [3]float64{r.AnchorX, r.AnchorY, 0},
			Height:     r.Height,
			Confidence: r.Confidence,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func recognize(ctx context.Context, snap *geometry.Snapshot, engine ocr.Engine, opts options, w io.Writer) error {
	rc := opts.recognition
	recognizer, err := processor.NewRecognizer(processor.RecognizerConfig{
		Engine:        engine,
		Policy:        rc.Policy(),
		SplineSamples: rc.SplineSamples,
		MaxPrimitives: rc.MaxPrimitives,
		MaxBitmapSize: rc.MaxBitmapSize,
		Logger:        logging.NewLoggerTo(os.Stderr, "vectortext"),
	})
	if err != nil {
		return err
	}

	var pngErr error
	if opts.pngDir != "" {
		if err := os.MkdirAll(opts.pngDir, 0o755); err != nil {
			return fmt.Errorf("create png dir: %w", err)
		}
		recognizer = recognizer.WithGlyphHook(func(ctx context.Context, s processor.GlyphSample) {
			if pngErr != nil {
				return
			}
			pngErr = writePNG(filepath.Join(opts.pngDir, fmt.Sprintf("cluster-%04d.png", s.Cluster)), s)
		})
	}

	res, err := recognizer.RecognizeSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	if pngErr != nil {
		return fmt.Errorf("write cluster png: %w", pngErr)
	}

	if opts.textOnly {
		_, err := fmt.Fprintln(w, res.Text())
		return err
	}

	out := output{
		RunID:     res.RunID,
		Policy:    res.Policy,
		Tolerance: res.Tolerance,
		Text:      res.Text(),
		Lines:     make([]lineOutput, len(res.Lines)),
		Report:    res.Report,
	}
	for i, l := range res.Lines {
		out.Lines[i] = lineOutput{
			Text:       l.Text,
			Anchor:     [3]float64{l.Anchor.X, l.Anchor.Y, 0},
			Height:     l.Height,
			Confidence: res.LineConfidence[i],
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writePNG(path string, s processor.GlyphSample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Bitmap.EncodePNG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
