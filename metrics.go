package crwlock

import (
	"github.com/llxisdsh/pb"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the statistics and state of a set of locks as
// Prometheus metrics, one series per lock labelled with its identity.
type Collector struct {
	locks pb.MapOf[Identity, *RWLock]

	readerEntries     *prometheus.Desc
	readerContentions *prometheus.Desc
	writerEntries     *prometheus.Desc
	writerContentions *prometheus.Desc
	eventsReleased    *prometheus.Desc

	readers        *prometheus.Desc
	waitingReaders *prometheus.Desc
	waitingWriters *prometheus.Desc
	writerHeld     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns an empty collector whose metric names start with
// namespace.
func NewCollector(namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"lock"}, nil)
	}
	return &Collector{
		readerEntries:     desc("reader_entries_total", "Outermost reader acquisitions."),
		readerContentions: desc("reader_contentions_total", "Reader acquisitions that had to wait."),
		writerEntries:     desc("writer_entries_total", "Outermost writer acquisitions."),
		writerContentions: desc("writer_contentions_total", "Writer acquisitions that had to wait."),
		eventsReleased:    desc("events_released_total", "Times the lock returned its events to the cache."),
		readers:           desc("readers", "Threads holding the reader role."),
		waitingReaders:    desc("waiting_readers", "Readers parked on the reader event."),
		waitingWriters:    desc("waiting_writers", "Writers parked on the writer event."),
		writerHeld:        desc("writer_held", "1 while a thread holds the writer role."),
	}
}

// Track adds l to the collector.
func (c *Collector) Track(l *RWLock) {
	c.locks.Store(l.id, l)
}

// Untrack removes l from the collector.
func (c *Collector) Untrack(l *RWLock) {
	c.locks.Delete(l.id)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range [...]*prometheus.Desc{
		c.readerEntries, c.readerContentions, c.writerEntries, c.writerContentions, c.eventsReleased,
		c.readers, c.waitingReaders, c.waitingWriters, c.writerHeld,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.locks.Range(func(id Identity, l *RWLock) bool {
		label := id.String()
		st := l.Stats()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
		}
		counter(c.readerEntries, st.ReaderEntries)
		counter(c.readerContentions, st.ReaderContentions)
		counter(c.writerEntries, st.WriterEntries)
		counter(c.writerContentions, st.WriterContentions)
		counter(c.eventsReleased, st.EventsReleased)

		s := l.State()
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), label)
		}
		gauge(c.readers, s.Readers)
		gauge(c.waitingReaders, s.WaitingReaders)
		gauge(c.waitingWriters, s.WaitingWriters)
		held := 0
		if s.Writer {
			held = 1
		}
		gauge(c.writerHeld, held)
		return true
	})
}
