package blobstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxAssetDownloadBytes bounds what a single referenced asset may pull in.
const maxAssetDownloadBytes = 25 << 20

// Store reads and writes per-record documents in object storage. Bodies are
// stored as a single gzip-compressed JSON document per request; extracted
// assets land next to it under their own keys.
type Store struct {
	bucket     string
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	httpClient *retryablehttp.Client
	log        logger.Logger
}

func New(sess *session.Session, bucket string, log logger.Logger) *Store {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 350 * time.Millisecond
	httpClient.RetryWaitMax = 1050 * time.Millisecond
	httpClient.Logger = nil

	return &Store{
		bucket:     bucket,
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		httpClient: httpClient,
		log:        log.Child("blobstore"),
	}
}

func rawBodyKey(orgID, requestID string) string {
	return fmt.Sprintf("organizations/%s/requests/%s/raw_request_response_body", orgID, requestID)
}

func processedBodyKey(orgID, requestID string) string {
	return fmt.Sprintf("organizations/%s/requests/%s/request_response_body", orgID, requestID)
}

func assetKey(orgID, requestID, assetID string) string {
	return fmt.Sprintf("organizations/%s/requests/%s/assets/%s", orgID, requestID, assetID)
}

type bodyDocument struct {
	Request  string `json:"request"`
	Response string `json:"response"`
}

// FetchRequestResponse downloads the raw document the edge wrote for a
// record. A missing object is an error: the record cannot be processed
// without its bodies.
func (s *Store) FetchRequestResponse(ctx context.Context, orgID, requestID string) (pipeline.RawLog, error) {
	key := rawBodyKey(orgID, requestID)
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return pipeline.RawLog{}, fmt.Errorf("raw body not found at %s: %w", key, err)
		}
		return pipeline.RawLog{}, fmt.Errorf("downloading raw body %s: %w", key, err)
	}

	data, err := maybeGunzip(buf.Bytes())
	if err != nil {
		return pipeline.RawLog{}, fmt.Errorf("decompressing raw body %s: %w", key, err)
	}

	var doc bodyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return pipeline.RawLog{}, fmt.Errorf("parsing raw body %s: %w", key, err)
	}
	return pipeline.RawLog{RequestBody: doc.Request, ResponseBody: doc.Response}, nil
}

// StoreRequestResponse writes the processed bodies of one record as a single
// gzip-compressed document, tagged with the organization tier so lifecycle
// policies can expire by plan.
func (s *Store) StoreRequestResponse(ctx context.Context, rec models.BlobRecord) error {
	doc, err := json.Marshal(bodyDocument{Request: rec.RequestBody, Response: rec.ResponseBody})
	if err != nil {
		return fmt.Errorf("encoding body document: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(doc); err != nil {
		return fmt.Errorf("compressing body document: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compressing body document: %w", err)
	}

	input := &s3manager.UploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(processedBodyKey(rec.OrganizationID, rec.RequestID)),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	}
	if rec.Tier != "" {
		input.Metadata = map[string]*string{"tier": aws.String(rec.Tier)}
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("uploading body document for request %s: %w", rec.RequestID, err)
	}
	return nil
}

// StoreAssets uploads each extracted asset of a record. Individual asset
// failures are logged and skipped: one bad reference must not lose the rest
// of the record's assets, and the record itself has already been committed.
func (s *Store) StoreAssets(ctx context.Context, rec models.BlobRecord) error {
	for id, source := range rec.Assets {
		data, contentType, err := s.resolveAsset(ctx, source)
		if err != nil {
			s.log.Warnf("resolving asset %s for request %s: %v", id, rec.RequestID, err)
			continue
		}
		_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(assetKey(rec.OrganizationID, rec.RequestID, id)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			s.log.Warnf("uploading asset %s for request %s: %v", id, rec.RequestID, err)
		}
	}
	return nil
}

// resolveAsset turns an asset source into bytes: either an inline base64
// data URI or an http(s) URL to download from.
func (s *Store) resolveAsset(ctx context.Context, source string) ([]byte, string, error) {
	if strings.HasPrefix(source, "data:") {
		return decodeDataURI(source)
	}
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return nil, "", fmt.Errorf("unsupported asset source scheme")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", source, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building asset request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading asset: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		return nil, "", fmt.Errorf("downloading asset: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading asset body: %w", err)
	}
	if len(data) > maxAssetDownloadBytes {
		return nil, "", fmt.Errorf("asset exceeds %d bytes", maxAssetDownloadBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// decodeDataURI parses "data:<mediatype>;base64,<payload>".
func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("data URI is not base64 encoded")
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decoding data URI payload: %w", err)
	}
	return data, contentType, nil
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()
	return io.ReadAll(gz)
}
