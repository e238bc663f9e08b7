package device

import (
	"errors"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/scanman/internal/scanning"
)

const optionTable = `
All options specific to device 'fujitsu:ScanSnap S1500:1234':
  Standard:
    --source ADF Front|ADF Back|ADF Duplex [ADF Front]
        Selects the scan source (such as a document-feeder).
    --mode Lineart|Halftone|Gray|Color [Lineart]
        Selects the scan mode (e.g., lineart, monochrome, or color).
    --resolution 50..600dpi (in steps of 1) [600]
        Sets the horizontal resolution of the scanned image.
  Geometry:
    -l 0..224.846mm (in steps of 0.0211639) [0]
        Top-left x position of scan area.
    -y 0..355.6mm (in steps of 0.0211639) [279.364]
        Height of scan-area.
    --page-height 0..355.6mm (in steps of 0.0211639) [279.364]
        Specifies the height of the media.
  Sensors:
    --page-loaded[=(yes|no)] [yes] [hardware]
        Page loaded
    --scan[=(yes|no)] [no] [hardware]
        Scan button
    --cover-open[=(yes|no)] [inactive]
        Cover open
`

// fakeScanimage emulates the scanimage commands the driver issues
const fakeScanimage = `#!/bin/sh
if [ "$1" = "-f" ]; then
	[ -n "$FAKE_DEVICE" ] && echo "$FAKE_DEVICE"
	exit 0
fi
if [ "$3" = "-A" ]; then
	if [ -n "$FAKE_IO_ERROR" ]; then
		echo "scanimage: open of device $FAKE_DEVICE failed: Error during device I/O" >&2
		exit 9
	fi
	cat "$FAKE_TABLE"
	exit 0
fi
for arg in "$@"; do
	case "$arg" in
	--batch=*) pattern="${arg#--batch=}" ;;
	esac
done
echo "$*" > "$FAKE_ARGS"
i=1
while [ "$i" -le "$FAKE_PAGES" ]; do
	f=$(printf "$pattern" "$i")
	cp "$FAKE_PAGE" "$f"
	echo "$f"
	i=$((i + 1))
done
if [ -n "$FAKE_STALL" ]; then
	exec sleep 5
fi
if [ "$FAKE_PAGES" -eq 0 ]; then
	echo "scanimage: sane_start: Document feeder out of documents" >&2
	exit 7
fi
echo "Batch terminated, $FAKE_PAGES pages scanned" >&2
exit 0
`

var _ = Describe("ScanImage", func() {
	Describe("parseOptions", func() {
		var table map[string]deviceOption

		BeforeEach(func() {
			table = parseOptions([]byte(optionTable))
		})

		It("should read current values", func() {
			Expect(table["source"].value).To(Equal("ADF Front"))
			Expect(table["resolution"].value).To(Equal("600"))
			Expect(table["page-height"].value).To(Equal("279.364"))
		})

		It("should map geometry shorthands to option names", func() {
			Expect(table).To(HaveKey("br-y"))
			Expect(table).To(HaveKey("tl-x"))
		})

		It("should mark sensors read-only", func() {
			Expect(table["page-loaded"].readOnly).To(BeTrue())
			Expect(table["page-loaded"].value).To(Equal("yes"))
			Expect(table["mode"].readOnly).To(BeFalse())
		})

		It("should mark inactive options", func() {
			Expect(table["cover-open"].inactive).To(BeTrue())
			Expect(table["cover-open"].value).To(BeNil())
		})

		It("should ignore descriptions and headings", func() {
			Expect(table).NotTo(HaveKey("Selects"))
			Expect(table).To(HaveLen(9))
		})
	})

	Describe("classify", func() {
		cause := errors.New("exit status 7")

		It("should recognize an empty feeder", func() {
			err := classify("scanimage: sane_start: Document feeder out of documents\n", cause)
			Expect(err).To(Equal(scanning.ErrFeederEmpty))
		})

		It("should recognize a cancellation", func() {
			err := classify("scanimage: sane_read: Operation was cancelled\n", cause)
			Expect(err).To(Equal(scanning.ErrCancelled))
		})

		It("should recognize a lost device", func() {
			err := classify("scanimage: sane_start: Error during device I/O\n", cause)
			Expect(err).To(MatchError(scanning.ErrDeviceIO))
		})

		It("should keep other diagnostics", func() {
			err := classify("scanimage: sane_start: Document feeder jammed\n", cause)
			Expect(err).To(MatchError(ContainSubstring("Document feeder jammed")))
			Expect(err).To(MatchError(cause))
		})
	})

	Describe("optionArg", func() {
		It("should render long options", func() {
			Expect(optionArg("mode", "color")).To(Equal([]string{"--mode=color"}))
			Expect(optionArg("ald", true)).To(Equal([]string{"--ald=yes"}))
			Expect(optionArg("page-height", 320.0)).To(Equal([]string{"--page-height=320"}))
		})

		It("should render geometry shorthands", func() {
			Expect(optionArg("br-y", 320.0)).To(Equal([]string{"-y", "320"}))
		})
	})

	Describe("batch", func() {
		It("should not hang when a page arrives as the wait expires", func() {
			for i := 0; i < 20; i++ {
				b, err := newBatch(exec.Command("sh", "-c", "echo /tmp/page; exec sleep 5"), discardLogger())
				Expect(err).NotTo(HaveOccurred())
				// let read block handing over the printed page
				time.Sleep(20 * time.Millisecond)

				result := make(chan error, 1)
				go func() {
					_, err := b.next(time.Nanosecond)
					result <- err
				}()
				Eventually(result, 2*time.Second).Should(Receive(Or(
					BeNil(),
					MatchError(ContainSubstring("no page within")),
				)))

				b.abandon()
				b.signal(os.Kill)
				<-b.done
			}
		})
	})

	Describe("driving the command", func() {
		var (
			args   string
			driver *ScanImage
			conn   scanning.Backend
		)

		BeforeEach(func() {
			tmp := GinkgoT().TempDir()
			bin := filepath.Join(tmp, "scanimage")
			Expect(os.WriteFile(bin, []byte(fakeScanimage), 0755)).To(Succeed())
			tableFile := filepath.Join(tmp, "table.txt")
			Expect(os.WriteFile(tableFile, []byte(optionTable), 0644)).To(Succeed())
			page := filepath.Join(tmp, "page.png")
			writePNG(page, 3, 2, color.White)
			args = filepath.Join(tmp, "args.txt")

			GinkgoT().Setenv("FAKE_DEVICE", "fujitsu:fake:1")
			GinkgoT().Setenv("FAKE_TABLE", tableFile)
			GinkgoT().Setenv("FAKE_PAGE", page)
			GinkgoT().Setenv("FAKE_ARGS", args)
			GinkgoT().Setenv("FAKE_PAGES", "2")

			driver = NewScanImage(ScanImageConfig{Binary: bin}, discardLogger())
		})

		It("should report no device when none is listed", func() {
			GinkgoT().Setenv("FAKE_DEVICE", "")
			_, err := driver.OpenFirst()
			Expect(err).To(MatchError(scanning.ErrNoDevice))
		})

		When("pages stop arriving", func() {
			BeforeEach(func() {
				GinkgoT().Setenv("FAKE_PAGES", "1")
				GinkgoT().Setenv("FAKE_STALL", "1")
				driver = NewScanImage(ScanImageConfig{
					Binary:      driver.cfg.Binary,
					PageTimeout: 200 * time.Millisecond,
				}, discardLogger())
			})

			It("should give up after the page timeout", func() {
				conn, err := driver.OpenFirst()
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(conn.Close)

				_, err = conn.Capture()
				Expect(err).NotTo(HaveOccurred())

				_, err = conn.Capture()
				Expect(err).To(MatchError(ContainSubstring("no page within")))
				Expect(err).NotTo(MatchError(scanning.ErrCancelled))
				Expect(err).NotTo(MatchError(scanning.ErrFeederEmpty))
			})

			It("should surface the timeout as a device fault", func() {
				handle := scanning.NewHandle(driver, scanning.DefaultOptions(), discardLogger())
				Expect(handle.Open()).To(BeTrue())
				DeferCleanup(handle.Close)

				_, err := handle.CaptureNext()
				Expect(err).NotTo(HaveOccurred())

				_, err = handle.CaptureNext()
				var fault *scanning.DeviceFault
				Expect(errors.As(err, &fault)).To(BeTrue())
				Expect(fault.Err).To(MatchError(ContainSubstring("no page within")))
			})
		})

		It("should report a device that cannot be opened", func() {
			GinkgoT().Setenv("FAKE_IO_ERROR", "1")
			_, err := driver.OpenFirst()
			Expect(err).To(MatchError(scanning.ErrDeviceIO))
		})

		Context("with an open device", func() {
			JustBeforeEach(func() {
				var err error
				conn, err = driver.OpenFirst()
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(conn.Close)
			})

			It("should read sensors", func() {
				v, err := conn.GetOption(scanning.StatusPageLoaded)
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal("yes"))
			})

			It("should report inactive options as unset", func() {
				v, err := conn.GetOption(scanning.StatusCoverOpen)
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(BeNil())
			})

			It("should reject writes to sensors", func() {
				Expect(conn.SetOption("scan", true)).To(MatchError(scanning.ErrReadOnly))
			})

			It("should report options the device lacks", func() {
				Expect(conn.SetOption("swskip", 5)).To(MatchError(scanning.ErrUnsupported))
			})

			It("should feed every page of a batch and then run empty", func() {
				Expect(conn.SetOption("source", "ADF Duplex")).To(Succeed())
				Expect(conn.SetOption("br-y", 320.0)).To(Succeed())

				for i := 0; i < 2; i++ {
					img, err := conn.Capture()
					Expect(err).NotTo(HaveOccurred())
					Expect(img.Width).To(Equal(3))
					Expect(img.Height).To(Equal(2))
				}
				_, err := conn.Capture()
				Expect(err).To(MatchError(scanning.ErrFeederEmpty))

				Expect(os.ReadFile(args)).To(And(
					ContainSubstring("--source=ADF Duplex"),
					ContainSubstring("-y 320"),
					ContainSubstring("--batch-print"),
				))
			})

			When("the device stalls after the first page", func() {
				BeforeEach(func() {
					GinkgoT().Setenv("FAKE_PAGES", "1")
					GinkgoT().Setenv("FAKE_STALL", "1")
				})

				It("should stop the batch when cancelled mid-page", func() {
					_, err := conn.Capture()
					Expect(err).NotTo(HaveOccurred())

					result := make(chan error, 1)
					go func() {
						_, err := conn.Capture()
						result <- err
					}()
					Consistently(result, 100*time.Millisecond).ShouldNot(Receive())

					conn.Cancel()
					Eventually(result, 2*time.Second).Should(Receive(MatchError(scanning.ErrCancelled)))
				})
			})

			It("should do nothing when cancelled between batches", func() {
				conn.Cancel()
				_, err := conn.Capture()
				Expect(err).NotTo(HaveOccurred())
			})

			When("the feeder is empty", func() {
				BeforeEach(func() {
					GinkgoT().Setenv("FAKE_PAGES", "0")
				})

				It("should report an empty feeder", func() {
					_, err := conn.Capture()
					Expect(err).To(MatchError(scanning.ErrFeederEmpty))
				})
			})

			When("the device stops answering", func() {
				It("should report a device I/O error", func() {
					GinkgoT().Setenv("FAKE_IO_ERROR", "1")
					_, err := conn.GetOption(scanning.StatusScanButton)
					Expect(err).To(MatchError(scanning.ErrDeviceIO))
				})
			})
		})
	})
})
