package device

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("decodePages", func() {
	It("should recognize HEIC brands", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypmif1\x00\x00\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypisom\x00\x00\x00\x00"))).To(BeFalse())
		Expect(isHEICFormat([]byte("ftyp"))).To(BeFalse())
	})

	It("should recognize PDFs by content or extension", func() {
		Expect(isPDF("scan.bin", []byte("%PDF-1.7\n"))).To(BeTrue())
		Expect(isPDF("SCAN.PDF", nil)).To(BeTrue())
		Expect(isPDF("scan.png", []byte("\x89PNG"))).To(BeFalse())
	})

	It("should reject unknown formats", func() {
		_, err := decodePages("notes.txt", []byte("hello"))
		Expect(err).To(MatchError(ContainSubstring("unsupported page format")))
	})

	It("should reject broken PDFs", func() {
		_, err := decodePages("broken.pdf", []byte("not a pdf"))
		Expect(err).To(MatchError(ContainSubstring("opening PDF")))
	})
})
