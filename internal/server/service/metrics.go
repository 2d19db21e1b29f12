package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_uploads_total",
		Help: "Uploads by mode and outcome.",
	}, []string{"mode", "outcome"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ferry_upload_bytes_total",
		Help: "Bytes received by uploads, including failed ones.",
	})

	activeUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ferry_active_uploads",
		Help: "Uploads currently in flight.",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ferry_transitions_total",
		Help: "File state transitions by action and outcome.",
	}, []string{"action", "outcome"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ferry_probable_duplicates_total",
		Help: "Accepted uploads whose content hash was already known.",
	})
)
