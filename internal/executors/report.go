package executors

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"autopilot/internal/config"
	"autopilot/internal/execution"
)

// ActionExportReport is the action type served by ReportExporter.
const ActionExportReport = "export_report"

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ReportExporter renders a report from the draft payload and stores it locally or in S3.
type ReportExporter struct {
	local uploader
	s3    uploader
}

type reportPayload struct {
	Key         string           `json:"key"`
	Format      string           `json:"format"`
	Body        string           `json:"body"`
	Rows        []map[string]any `json:"rows"`
	Destination string           `json:"destination"`
}

// NewReportExporter chooses uploaders from config. S3 is only available when a bucket is set.
func NewReportExporter(ctx context.Context, cfg config.ExecutorsConfig) (*ReportExporter, error) {
	baseDir := cfg.ReportOutputDir
	if baseDir == "" {
		baseDir = "./output/reports"
	}

	var s3Upload uploader
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}
	}

	return &ReportExporter{
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.ExecutorsConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

// Execute renders and uploads the report. Bad payloads are structured failures.
func (r *ReportExporter) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	payload, err := decodeReportPayload(req.Payload)
	if err != nil {
		return execution.Failed("invalid report payload: %v", err), nil
	}

	body, contentType, err := render(payload)
	if err != nil {
		return execution.Failed("render report: %v", err), nil
	}

	key := payload.Key
	if key == "" {
		key = fmt.Sprintf("%s/%s.%s", req.Tenant, req.DraftID, payload.Format)
	}
	key = sanitizeKey(key)
	if key == "" || key == "." || strings.HasPrefix(key, "..") {
		return execution.Failed("invalid report key %q", payload.Key), nil
	}

	up, err := r.pickUploader(payload.Destination)
	if err != nil {
		return execution.Failed("%v", err), nil
	}
	location, err := up.Upload(ctx, key, body, contentType)
	if err != nil {
		return execution.Failed("upload report: %v", err), nil
	}

	return execution.Result{
		Success: true,
		Output: map[string]any{
			"location": location,
			"bytes":    len(body),
			"format":   payload.Format,
		},
	}, nil
}

func decodeReportPayload(raw map[string]any) (reportPayload, error) {
	var p reportPayload
	b, err := json.Marshal(raw)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Body == "" && len(p.Rows) == 0 {
		return p, errors.New("body or rows is required")
	}
	p.Format = strings.ToLower(p.Format)
	switch p.Format {
	case "":
		p.Format = "json"
		if p.Body != "" {
			p.Format = "txt"
		}
	case "json", "csv", "txt":
	default:
		return p, fmt.Errorf("unsupported format %q", p.Format)
	}
	return p, nil
}

func render(p reportPayload) ([]byte, string, error) {
	if p.Body != "" {
		return []byte(p.Body), mimeForFormat(p.Format), nil
	}
	switch p.Format {
	case "csv":
		b, err := renderCSV(p.Rows)
		return b, mimeForFormat(p.Format), err
	default:
		b, err := json.MarshalIndent(p.Rows, "", "  ")
		return b, mimeForFormat("json"), err
	}
}

// renderCSV writes a header of the sorted union of row keys, then one line per row.
func renderCSV(rows []map[string]any) ([]byte, error) {
	seen := map[string]bool{}
	var header []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}
	sort.Strings(header)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		line := make([]string, len(header))
		for i, k := range header {
			if v, ok := row[k]; ok && v != nil {
				line[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(line); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func mimeForFormat(format string) string {
	switch format {
	case "csv":
		return "text/csv"
	case "json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (r *ReportExporter) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if r.s3 != nil {
			return r.s3, nil
		}
		return nil, errors.New("destination s3 requested but REPORT_S3_BUCKET is not configured")
	case "local":
		return r.local, nil
	case "":
		if r.s3 != nil {
			return r.s3, nil
		}
		return r.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
