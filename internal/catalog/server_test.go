package catalog

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	BeforeEach(func() {
		db = newMockDB()
		service = NewServiceWithDeps(db, NewPipeline(nil, USD), DefaultWindow, &mockTimeSource{now: testNow})
		auth = BasicAuth{}
		ghttpServer = nil
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	seed := func() {
		_, err := service.Apply(context.Background(), created(receiptFor("u1", "r1", "Shoprite", day1,
			line("Lait entier 1L", 2.50),
			line("Riz 5kg", 12),
		)))
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("POST /api/events", func() {
		When("the event is valid", func() {
			It("should apply it and return the result", func() {
				body, _ := json.Marshal(created(receiptFor("u1", "r1", "Shoprite", day1, line("Riz", 10))))
				resp, err := http.Post(ghttpServer.URL()+"/api/events", "application/json", bytes.NewReader(body))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var result ApplyResult
				Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
				Expect(result.ReceiptID).To(Equal("r1"))
				Expect(result.Contributions).To(Equal(1))
			})
		})

		When("the event is invalid", func() {
			It("should return status Bad Request", func() {
				body := []byte(`{"user_id":"u1","receipt_id":"r1","change_type":"created"}`)
				resp, err := http.Post(ghttpServer.URL()+"/api/events", "application/json", bytes.NewReader(body))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the body is not JSON", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/events", "application/json", bytes.NewBufferString("nope"))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/users/{userID}/items", func() {
		BeforeEach(seed)

		It("should return the catalog as JSON", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/items")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var items []*AggregatedItem
			Expect(json.NewDecoder(resp.Body).Decode(&items)).To(Succeed())
			Expect(items).To(HaveLen(2))
		})
	})

	Describe("GET /api/users/{userID}/items/{key}", func() {
		BeforeEach(seed)

		It("should return the item", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/items/lait")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var item AggregatedItem
			Expect(json.NewDecoder(resp.Body).Decode(&item)).To(Succeed())
			Expect(item.AvgPrice).To(Equal(2.50))
		})

		It("should return status Not Found for unknown items", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/items/gadget")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/users/{userID}/search", func() {
		BeforeEach(seed)

		It("should return ranked results", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/search?q=milk&limit=1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var results []SearchResult
			Expect(json.NewDecoder(resp.Body).Decode(&results)).To(Succeed())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Item.ID).To(Equal("lait"))
		})

		It("should require a query", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/search")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a bad limit", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/search?q=milk&limit=abc")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/users/{userID}/rebuild", func() {
		BeforeEach(seed)

		It("should return the rebuild counts", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/users/u1/rebuild", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result RebuildResult
			Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
			Expect(result.ReceiptsProcessed).To(Equal(1))
			Expect(result.ItemsWritten).To(Equal(2))
		})
	})

	Describe("PUT /api/users/{userID}/profile", func() {
		put := func(body string) *http.Response {
			req, err := http.NewRequest(http.MethodPut, ghttpServer.URL()+"/api/users/u1/profile", bytes.NewBufferString(body))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should save the locality", func() {
			resp := put(`{"locality":"Kinshasa"}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			profile, err := db.GetProfile(context.Background(), "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(profile.Locality).To(Equal("Kinshasa"))
		})

		It("should require a locality", func() {
			resp := put(`{"locality":""}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/community/{locality}", func() {
		BeforeEach(func() {
			seed()
			_, err := service.SaveProfile(context.Background(), "u1", "Kinshasa")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the merged view", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/community/kinshasa")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var items []MergedItem
			Expect(json.NewDecoder(resp.Body).Decode(&items)).To(Succeed())
			Expect(items).To(HaveLen(2))
			Expect(items[0].UserCount).To(Equal(1))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/u1/items")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/users/u1/items", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("ok"))
		})
	})

	Describe("request IDs", func() {
		It("should generate an ID when none is sent", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).NotTo(BeEmpty())
		})

		It("should echo the caller's ID", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/healthz", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("X-Request-ID", "abc-123")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("X-Request-ID")).To(Equal("abc-123"))
		})
	})

	Describe("CORS preflight", func() {
		It("should answer OPTIONS with No Content", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/events", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})
})
