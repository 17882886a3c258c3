package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postscraper_client_block_bytes_read",
	Help: "The total number of CAR block bytes read from the firehose",
}, []string{"socket_url"})

var eventsRead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postscraper_client_commits_read",
	Help: "The total number of commits read from the firehose",
}, []string{"socket_url"})

var reconnectsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "postscraper_client_reconnects_total",
	Help: "The total number of firehose reconnect attempts",
}, []string{"socket_url"})

var livenessFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "postscraper_client_liveness_failures_total",
	Help: "The total number of times the firehose was declared dead for lack of events",
})
