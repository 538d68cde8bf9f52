package relay

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
)

// NewTimestreamClient builds a Timestream write client from the sink settings.
// Timeouts and retries live here, in the transport; the uploader adds none.
func NewTimestreamClient(ctx context.Context, cfg config.SinkConfig) (*timestreamwrite.Client, error) {
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(cfg.RequestTimeout).
		WithTransportOptions(func(tr *http.Transport) {
			tr.MaxIdleConns = cfg.MaxConnections
			tr.MaxIdleConnsPerHost = cfg.MaxConnections
			tr.MaxConnsPerHost = cfg.MaxConnections
		})

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return timestreamwrite.NewFromConfig(awsCfg), nil
}

// DiscardWriter accepts every call without sending anything. Used for dry runs.
type DiscardWriter struct {
	Logger logrus.FieldLogger
}

// WriteRecords logs the call and reports every record as ingested
func (d DiscardWriter) WriteRecords(_ context.Context, in *timestreamwrite.WriteRecordsInput, _ ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error) {
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"database": aws.ToString(in.DatabaseName),
			"table":    aws.ToString(in.TableName),
			"records":  len(in.Records),
		}).Debug("dry run: discarding write")
	}
	n := int32(len(in.Records))
	return &timestreamwrite.WriteRecordsOutput{
		RecordsIngested: &types.RecordsIngested{Total: n, MemoryStore: n},
	}, nil
}
