// Package metrics exposes flash and filesystem activity as Prometheus
// metrics.
//
// A Collector owns its own registry so that several filesystems, or tests,
// can each have one without clashing on the default registry. It implements
// blockdev.Observer and is also fed by the flashfs facade:
//
//	collector, err := metrics.NewCollector(nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fs, err := flashfs.New(dev, dev, flashfs.WithMetrics(collector))
//	...
//	http.Handle("/metrics", collector.Handler())
//
// All Collector methods are safe to call on a nil *Collector, which records
// nothing.
package metrics
