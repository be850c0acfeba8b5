package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"debtord/internal/service"
)

type Server struct {
	srv *http.Server
}

func NewServer(addr string, svc service.Procedures) *Server {
	h := NewHandler(svc)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/debtors", h.CreateDebtor).Methods("POST")
	api.HandleFunc("/debtors/{debtorID}", h.GetDebtor).Methods("GET")
	api.HandleFunc("/debtors/{debtorID}/accounts/{creditorID}", h.GetAccount).Methods("GET")
	api.HandleFunc("/debtors/{debtorID}/withdrawal-requests", h.CreateWithdrawalRequest).Methods("POST")
	api.HandleFunc("/debtors/{debtorID}/withdrawal-requests/{creditorID}/{seqnum}/prepare", h.PrepareWithdrawal).Methods("POST")
	api.HandleFunc("/debtors/{debtorID}/transfers", h.PrepareDirectTransfer).Methods("POST")
	api.HandleFunc("/debtors/{debtorID}/deposits", h.PrepareDeposit).Methods("POST")
	api.HandleFunc("/debtors/{debtorID}/transfers/{seqnum}/commit", h.CommitTransfer).Methods("POST")
	api.HandleFunc("/debtors/{debtorID}/transfers/{seqnum}/cancel", h.CancelTransfer).Methods("POST")

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
