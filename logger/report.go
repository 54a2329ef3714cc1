package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type exchangeStat struct {
	points  int64
	batches int64
}

var (
	errorsSync     int64
	errorsBackfill int64
	errorsLive     int64
	warnsTotal     int64
	jobRuns        int64
	jobSkips       int64
	jobFailures    int64
	pointsHist     int64
	pointsLive     int64
	contractsSeen  int64
	archiveFlushes int64
	archiveDrops   int64
	exchanges      sync.Map // map[string]*exchangeStat
)

func recordWarn(component string) {
	atomic.AddInt64(&warnsTotal, 1)
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "contract_sync"):
		atomic.AddInt64(&errorsSync, 1)
	case strings.Contains(component, "backfill"):
		atomic.AddInt64(&errorsBackfill, 1)
	case strings.Contains(component, "live"):
		atomic.AddInt64(&errorsLive, 1)
	}
}

// IncrementJobRun records one completed scheduler job invocation.
func IncrementJobRun() { atomic.AddInt64(&jobRuns, 1) }

// IncrementJobSkip records an overlap-suppressed scheduler firing.
func IncrementJobSkip() { atomic.AddInt64(&jobSkips, 1) }

// IncrementJobFailure records a failed scheduler job invocation.
func IncrementJobFailure() { atomic.AddInt64(&jobFailures, 1) }

// IncrementHistoricalPoints records freshly inserted backfill points.
func IncrementHistoricalPoints(exchange string, n int) {
	atomic.AddInt64(&pointsHist, int64(n))
	recordExchange(exchange, n)
}

// IncrementLivePoints records freshly inserted live points.
func IncrementLivePoints(exchange string, n int) {
	atomic.AddInt64(&pointsLive, int64(n))
	recordExchange(exchange, n)
}

// IncrementContractsSynced records contracts reconciled during a sync run.
func IncrementContractsSynced(exchange string, n int) {
	atomic.AddInt64(&contractsSeen, int64(n))
}

// IncrementArchiveFlush records one parquet file flushed to the archive.
func IncrementArchiveFlush() { atomic.AddInt64(&archiveFlushes, 1) }

// IncrementArchiveDrop records points dropped because the archive buffer was full.
func IncrementArchiveDrop(n int) { atomic.AddInt64(&archiveDrops, int64(n)) }

func recordExchange(name string, points int) {
	v, _ := exchanges.LoadOrStore(name, &exchangeStat{})
	es := v.(*exchangeStat)
	atomic.AddInt64(&es.points, int64(points))
	atomic.AddInt64(&es.batches, 1)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of collection and system statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	exchangeData := map[string]map[string]int64{}
	exchanges.Range(func(k, v any) bool {
		name := k.(string)
		es := v.(*exchangeStat)
		exchangeData[name] = map[string]int64{
			"points":  atomic.LoadInt64(&es.points),
			"batches": atomic.LoadInt64(&es.batches),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}
	diskMB := int64(0)
	if diskStats != nil {
		diskMB = int64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"job_runs":          atomic.LoadInt64(&jobRuns),
		"job_skips":         atomic.LoadInt64(&jobSkips),
		"job_failures":      atomic.LoadInt64(&jobFailures),
		"points_historical": atomic.LoadInt64(&pointsHist),
		"points_live":       atomic.LoadInt64(&pointsLive),
		"contracts_synced":  atomic.LoadInt64(&contractsSeen),
		"archive_flushes":   atomic.LoadInt64(&archiveFlushes),
		"archive_drops":     atomic.LoadInt64(&archiveDrops),
		"errors_sync":       atomic.LoadInt64(&errorsSync),
		"errors_backfill":   atomic.LoadInt64(&errorsBackfill),
		"errors_live":       atomic.LoadInt64(&errorsLive),
		"warns":             atomic.LoadInt64(&warnsTotal),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memMB,
		"disk_mb":           diskMB,
		"exchanges":         exchangeData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskMB))},
		cwtypes.MetricDatum{MetricName: aws.String("JobRuns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&jobRuns)))},
		cwtypes.MetricDatum{MetricName: aws.String("JobSkips"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&jobSkips)))},
		cwtypes.MetricDatum{MetricName: aws.String("JobFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&jobFailures)))},
		cwtypes.MetricDatum{MetricName: aws.String("PointsHistorical"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pointsHist)))},
		cwtypes.MetricDatum{MetricName: aws.String("PointsLive"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pointsLive)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveFlushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveFlushes)))},
	)

	for name, stats := range exchangeData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("PointsCollected"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["points"])),
		})
	}

	publishMetrics(ctx, data)
}
