package relay

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nicktill/tinyrelay/pkg/observability"
)

// Writer is the one sink call the uploader needs.
// *timestreamwrite.Client satisfies it.
type Writer interface {
	WriteRecords(ctx context.Context, params *timestreamwrite.WriteRecordsInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error)
}

// Target names the destination table and the attributes shared by every record
type Target struct {
	Database string
	Table    string
	Hostname string
}

// Report summarizes one Upload call
type Report struct {
	Chunks     int // chunks handed to Upload
	Attempted  int // chunks a write was issued for
	Records    int // records in attempted chunks
	Ingested   int // records the sink reported as written
	Rejected   int
	Rejections error // *multierror.Error of *RejectionError, nil if none
}

// Uploader writes chunks to the sink one after another
type Uploader struct {
	writer  Writer
	target  Target
	common  *types.Record
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  logrus.FieldLogger
}

// NewUploader creates an uploader. maxCallsPerSec <= 0 disables pacing.
func NewUploader(w Writer, target Target, maxCallsPerSec float64, metrics *observability.Metrics, logger logrus.FieldLogger) *Uploader {
	u := &Uploader{
		writer:  w,
		target:  target,
		common:  CommonAttributes(target.Hostname),
		metrics: metrics,
		logger: logger.WithFields(logrus.Fields{
			"component": "uploader",
			"database":  target.Database,
			"table":     target.Table,
		}),
	}
	if maxCallsPerSec > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(maxCallsPerSec), 1)
	}
	return u
}

// Upload sends chunks sequentially.
//
// A partial rejection is logged per record and the next chunk is sent.
// Any other failure stops the run and is returned as *TransportError; the
// report still describes the chunks attempted so far. No chunks means no
// calls and a nil error.
func (u *Uploader) Upload(ctx context.Context, chunks [][]types.Record) (*Report, error) {
	report := &Report{Chunks: len(chunks)}
	var rejections *multierror.Error

	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}

		if err := u.wait(ctx); err != nil {
			report.Rejections = rejections.ErrorOrNil()
			return report, &TransportError{Chunk: i, Err: err}
		}

		report.Attempted++
		report.Records += len(chunk)

		out, err := u.writer.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
			DatabaseName:     aws.String(u.target.Database),
			TableName:        aws.String(u.target.Table),
			CommonAttributes: u.common,
			Records:          chunk,
		})

		var rejected *types.RejectedRecordsException
		switch {
		case err == nil:
			n := len(chunk)
			if out != nil && out.RecordsIngested != nil {
				n = int(out.RecordsIngested.Total)
			}
			report.Ingested += n
			u.metrics.RelayChunks.WithLabelValues("ok").Inc()
			u.metrics.RelayRecords.WithLabelValues("accepted").Add(float64(n))
			u.logger.WithFields(logrus.Fields{"chunk": i, "records": len(chunk), "ingested": n}).Debug("chunk written")

		case errors.As(err, &rejected):
			report.Rejected += len(rejected.RejectedRecords)
			report.Ingested += len(chunk) - len(rejected.RejectedRecords)
			u.metrics.RelayChunks.WithLabelValues("rejected").Inc()
			u.metrics.RelayRecords.WithLabelValues("rejected").Add(float64(len(rejected.RejectedRecords)))
			u.metrics.RelayRecords.WithLabelValues("accepted").Add(float64(len(chunk) - len(rejected.RejectedRecords)))

			for _, rr := range rejected.RejectedRecords {
				rejErr := &RejectionError{
					Chunk:           i,
					Index:           rr.RecordIndex,
					Reason:          aws.ToString(rr.Reason),
					ExistingVersion: rr.ExistingVersion,
				}
				rejections = multierror.Append(rejections, rejErr)

				entry := u.logger.WithFields(logrus.Fields{
					"chunk":        i,
					"record_index": rr.RecordIndex,
					"reason":       rejErr.Reason,
				})
				if rr.ExistingVersion != nil {
					entry = entry.WithField("existing_version", *rr.ExistingVersion)
				}
				entry.Warn("record rejected by sink")
			}

		default:
			u.metrics.RelayChunks.WithLabelValues("failed").Inc()
			report.Rejections = rejections.ErrorOrNil()
			return report, &TransportError{Chunk: i, Err: err}
		}
	}

	report.Rejections = rejections.ErrorOrNil()
	return report, nil
}

func (u *Uploader) wait(ctx context.Context) error {
	if u.limiter == nil {
		return ctx.Err()
	}
	return u.limiter.Wait(ctx)
}
