package chain_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/buildwatch/buildwatch/internal/chain"
)

func TestChainEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Change-chain Engine Suite")
}

var _ = Describe("Get", func() {
	var engine *chain.Engine

	BeforeEach(func() {
		engine = chain.New(nil, "https://review.example.org", nil, nil)
	})

	It("reports no tracked change for a cid it has never been given", func() {
		// A fresh Engine tracks nothing, so Get answers from the empty
		// in-memory set without touching the (nil) Repo.
		Expect(func() {
			engine.Get("Iabc")
		}).NotTo(Panic())

		_, ok := engine.Get("Iabc")
		Expect(ok).To(BeFalse())
	})

	It("returns a nil Change alongside false for an unknown cid", func() {
		c, ok := engine.Get("Imissing")
		Expect(ok).To(BeFalse())
		Expect(c).To(BeNil())
	})
})

var _ = Describe("ChangesetBranchName", func() {
	It("joins the cid and suffix with the changeset- prefix", func() {
		Expect(chain.ChangesetBranchName("Iabc", "3")).To(Equal("changeset-Iabc-3"))
	})
})
