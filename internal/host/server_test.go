package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/scanman/internal/document"
)

var _ = Describe("Server", func() {
	var (
		controller  *fakeController
		documents   *document.Service
		host        *Host
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		controller = &fakeController{}
		documents = newDocuments()
		host = New(controller, fixedResolution(72), documents, discardLogger())
		host.SetResetAfter(time.Hour)
		auth = BasicAuth{}
		ghttpServer = ghttp.NewServer()
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(host, documents, auth, http.NewServeMux())
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	// do sends one request through the server
	do := func(method, path string) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, nil)
		Expect(err).NotTo(HaveOccurred())
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	storeDocument := func() *document.Document {
		b := documents.Begin(72)
		Expect(b.AddPage(0, grayPage(72, 72))).To(Succeed())
		doc, err := b.Finish(context.Background())
		Expect(err).NotTo(HaveOccurred())
		return doc
	}

	Describe("handleStatus", func() {
		It("should return the status as JSON", func() {
			host.SetConnected(true)
			host.SetReady(true)

			resp := do("GET", "/api/status")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var st Status
			decode(resp, &st)
			Expect(st.Text).To(Equal(TextReady))
			Expect(st.Action).To(Equal(ActionScan))
			Expect(st.Enabled).To(BeTrue())
		})
	})

	Describe("handleScan", func() {
		When("ready", func() {
			BeforeEach(func() {
				host.SetConnected(true)
				host.SetReady(true)
			})

			It("should start a session", func() {
				resp := do("POST", "/api/scan")
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				var st Status
				decode(resp, &st)
				Expect(st.Scanning).To(BeTrue())
				Expect(st.Action).To(Equal(ActionCancel))
				Expect(controller.started()).To(Equal(1))
			})
		})

		When("no page is loaded", func() {
			It("should return status Conflict", func() {
				resp := do("POST", "/api/scan")
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				Expect(controller.started()).To(Equal(0))
			})
		})

		When("request method is not POST", func() {
			It("should return status Method Not Allowed", func() {
				resp := do("GET", "/api/scan")
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			})
		})
	})

	Describe("handleCancel", func() {
		It("should cancel a running session", func() {
			host.SetConnected(true)
			host.SetReady(true)
			Expect(host.Scan()).To(Succeed())

			resp := do("POST", "/api/scan/cancel")
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(controller.cancelCount()).To(Equal(1))
		})

		It("should return status Conflict with nothing running", func() {
			resp := do("POST", "/api/scan/cancel")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("handlePreview", func() {
		It("should return Not Found before the first page", func() {
			resp := do("GET", "/api/preview")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return the last page as JPEG", func() {
			host.SetConnected(true)
			host.SetReady(true)
			Expect(host.Scan()).To(Succeed())
			controller.session(0).OnPage(0, grayPage(8, 8))

			resp := do("GET", "/api/preview")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
		})
	})

	Describe("handleListDocuments", func() {
		It("should return all documents", func() {
			storeDocument()

			resp := do("GET", "/api/documents")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var docs []*document.Document
			decode(resp, &docs)
			Expect(docs).To(HaveLen(1))
		})

		It("should return an empty list", func() {
			resp := do("GET", "/api/documents")
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(MatchJSON("[]"))
		})
	})

	Describe("handleGetDocument", func() {
		It("should return the document", func() {
			doc := storeDocument()

			resp := do("GET", "/api/documents/"+doc.ID)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var got document.Document
			decode(resp, &got)
			Expect(got.ID).To(Equal(doc.ID))
			Expect(got.Pages).To(Equal(1))
		})

		It("should return Not Found for unknown documents", func() {
			resp := do("GET", "/api/documents/nope")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleGetDocumentFile", func() {
		It("should return the PDF", func() {
			doc := storeDocument()

			resp := do("GET", "/api/documents/"+doc.ID+"/file")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring(doc.Filename))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(HavePrefix("%PDF-"))
		})

		It("should return Not Found for unknown documents", func() {
			resp := do("GET", "/api/documents/nope/file")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleDeleteDocument", func() {
		It("should delete the document", func() {
			doc := storeDocument()

			resp := do("DELETE", "/api/documents/"+doc.ID)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			_, err := documents.GetDocument(doc.ID)
			Expect(err).To(MatchError(document.ErrNotFound))
		})

		It("should return Not Found for unknown documents", func() {
			resp := do("DELETE", "/api/documents/nope")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do("OPTIONS", "/api/scan")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("requireAuth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should accept valid credentials", func() {
			resp := do("GET", "/api/status")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		When("credentials are wrong", func() {
			It("should return status Unauthorized", func() {
				server = NewServerWithMux(host, documents, BasicAuth{Username: "admin", Password: "other"}, http.NewServeMux())
				resp := do("GET", "/api/status")
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			})
		})
	})
})
