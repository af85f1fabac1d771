package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/buildwatch/buildwatch/internal/config"
	"github.com/buildwatch/buildwatch/internal/store"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

func newTestOrchestrator(wwwRoot string) *Orchestrator {
	cfg := &config.Config{
		GerritURL: "https://review.example.org",
		Project:   "haiku",
		WWWRoot:   wwwRoot,
	}
	st := &store.Store{Data: &store.Data{
		Change:  map[string]*store.Change{},
		Done:    map[string]*store.Change{},
		Release: map[string]*store.Release{},
	}}
	return New(cfg, nil, st, nil)
}

var _ = Describe("Orchestrator", func() {
	var o *Orchestrator
	var wwwRoot string

	BeforeEach(func() {
		wwwRoot = GinkgoT().TempDir()
		o = newTestOrchestrator(wwwRoot)
	})

	Describe("remoteURL", func() {
		It("joins the Gerrit base URL and project with a single slash", func() {
			Expect(o.remoteURL()).To(Equal("https://review.example.org/haiku"))
		})

		It("does not double the slash when the base URL already ends in one", func() {
			o.Cfg.GerritURL = "https://review.example.org/"
			Expect(o.remoteURL()).To(Equal("https://review.example.org/haiku"))
		})
	})

	Describe("gerritRef", func() {
		It("builds the canonical refs/changes path, sharding by the last two digits", func() {
			Expect(gerritRef(4567, 3)).To(Equal("refs/changes/67/4567/3"))
		})

		It("zero-pads shards under ten", func() {
			Expect(gerritRef(4501, 1)).To(Equal("refs/changes/01/4501/1"))
		})
	})

	Describe("StopRequested", func() {
		It("is false when no sentinel file is present", func() {
			Expect(o.StopRequested()).To(BeFalse())
		})

		It("is true once stop.please exists in www_root", func() {
			Expect(os.WriteFile(filepath.Join(wwwRoot, "stop.please"), nil, 0644)).To(Succeed())
			Expect(o.StopRequested()).To(BeTrue())
		})
	})

	Describe("reportQueueDepth", func() {
		It("sets the total queue-depth gauge to the queue's length", func() {
			o.reportQueueDepth([]string{"I1", "I2", "I3"})
			Expect(testutil.ToFloat64(o.Metrics.QueueDepth.WithLabelValues("total"))).To(Equal(3.0))
		})

		It("reports zero for an empty queue", func() {
			o.reportQueueDepth(nil)
			Expect(testutil.ToFloat64(o.Metrics.QueueDepth.WithLabelValues("total"))).To(Equal(0.0))
		})
	})
})
