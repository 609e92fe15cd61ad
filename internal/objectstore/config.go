package objectstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Config describes where packaged output is stored. An http(s) EndpointURL
// selects an S3-compatible server; anything else writes below RootPath.
type Config struct {
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	RootPath        string
	// UploadRate caps PutObject calls per second against S3. Zero disables throttling.
	UploadRate float64
}

// ParseConfig builds a Config from loose parameters, as carried in workflow inputs.
func ParseConfig(params map[string]any) *Config {
	cfg := &Config{
		EndpointURL:     firstString(params, "endpointUrl", "endpoint_url", "url"),
		Region:          firstString(params, "region"),
		UseSSL:          firstBool(params, false, "useSSL", "use_ssl"),
		AccessKeyID:     firstString(params, "accessKeyId", "access_key_id"),
		SecretAccessKey: firstString(params, "secretAccessKey", "secret_access_key"),
		Bucket:          firstString(params, "bucket"),
		RootPath:        firstString(params, "rootPath", "root_path"),
	}
	if v, ok := params["uploadRate"].(float64); ok {
		cfg.UploadRate = v
	}
	return cfg
}

// IsRemote reports whether the config points at an S3-compatible server.
func (c *Config) IsRemote() bool {
	return strings.HasPrefix(c.EndpointURL, "http://") || strings.HasPrefix(c.EndpointURL, "https://")
}

// Validate enforces the fields required by the selected backend.
func (c *Config) Validate() error {
	if !c.IsRemote() {
		if c.RootPath == "" {
			return wrapError(CodeEndpointUnreachable, false, fmt.Errorf("rootPath is required for local output"))
		}
		return nil
	}
	if _, err := url.Parse(c.EndpointURL); err != nil {
		return wrapError(CodeEndpointUnreachable, true, err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return wrapError(CodeAuthInvalid, false, fmt.Errorf("accessKeyId and secretAccessKey are required"))
	}
	if c.Bucket == "" {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket is required for remote output"))
	}
	return nil
}

func firstString(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			switch t := v.(type) {
			case string:
				return strings.TrimSpace(t)
			case fmt.Stringer:
				return strings.TrimSpace(t.String())
			}
		}
	}
	return ""
}

func firstBool(params map[string]any, defaultVal bool, keys ...string) bool {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			switch t := v.(type) {
			case bool:
				return t
			case string:
				switch strings.ToLower(strings.TrimSpace(t)) {
				case "true":
					return true
				case "false":
					return false
				}
			}
		}
	}
	return defaultVal
}

func sanitizePath(raw string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return replacer.Replace(raw)
}
