package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

type server struct {
	users  userStore
	tokens *tokenIssuer

	registerCounter metric.Int64Counter
	loginCounter    metric.Int64Counter
	checkCounter    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /register",
		otelhelper.WrapHandler("register", s.requestDuration, http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /login",
		otelhelper.WrapHandler("login", s.requestDuration, http.HandlerFunc(s.handleLogin)))
	mux.Handle("POST /token_login",
		otelhelper.WrapHandler("token_login", s.requestDuration, http.HandlerFunc(s.handleTokenLogin)))
	mux.Handle("POST /token_check",
		otelhelper.WrapHandler("token_check", s.requestDuration, http.HandlerFunc(s.handleTokenCheck)))
	mux.Handle("GET /matching_info/{uid}",
		otelhelper.WrapHandler("matching_info", s.requestDuration, http.HandlerFunc(s.handleMatchingInfo)))
	mux.Handle("GET /get_info_by_id/{uid}",
		otelhelper.WrapHandler("get_info_by_id", s.requestDuration, http.HandlerFunc(s.handleInfoByID)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string `json:"email"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		Sex          string `json:"sex"`
		Age          int    `json:"age"`
		PreferredAge string `json:"preferred_age"`
		PreferredSex string `json:"preferred_sex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Email == "" || req.Username == "" || req.Password == "" {
		http.Error(w, "email, username and password required", http.StatusBadRequest)
		return
	}

	if _, err := s.users.UserByEmail(r.Context(), req.Email); err == nil {
		http.Error(w, "email is already used", http.StatusBadRequest)
		return
	} else if !errors.Is(err, errUserNotFound) {
		slog.Error("Failed to check email", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	uid, err := newUID(r.Context(), s.users)
	if err != nil {
		slog.Error("Failed to allocate uid", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	u := user{
		UID:          uid,
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hash),
		Sex:          req.Sex,
		Age:          req.Age,
		PreferredAge: req.PreferredAge,
		PreferredSex: req.PreferredSex,
		AvatarCode:   rand.IntN(101),
	}
	if err := s.users.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, errEmailTaken) {
			http.Error(w, "email is already used", http.StatusBadRequest)
			return
		}
		slog.Error("Failed to create user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.registerCounter.Add(r.Context(), 1)
	slog.Info("User registered", "uid", uid)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     "User registered successfully",
		"uid":         uid,
		"avatar_code": u.AvatarCode,
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	u, err := s.users.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, errUserNotFound) {
		http.Error(w, "user not found", http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Failed to load user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "incorrect password", http.StatusBadRequest)
		return
	}

	access, err := s.tokens.Issue(u.UID, tokenTypeAccess)
	if err == nil {
		var refresh string
		refresh, err = s.tokens.Issue(u.UID, tokenTypeRefresh)
		if err == nil {
			err = s.users.SetTokens(r.Context(), u.UID, access, refresh)
		}
		if err == nil {
			s.loginCounter.Add(r.Context(), 1)
			slog.Info("User logged in", "uid", u.UID)
			writeJSON(w, http.StatusOK, map[string]string{
				"status":        "success",
				"access_token":  access,
				"refresh_token": refresh,
				"uid":           u.UID,
			})
			return
		}
	}
	slog.Error("Failed to issue tokens", "uid", u.UID, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// handleTokenLogin lets a client resume a session: a live access token is
// confirmed as-is, a live refresh token buys a fresh access token.
func (s *server) handleTokenLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}

	uid, tokenType, err := s.tokens.Parse(req.Token)
	if err != nil {
		http.Error(w, "invalid token, relogin is required", http.StatusBadRequest)
		return
	}
	u, err := s.users.UserByUID(r.Context(), uid)
	if errors.Is(err, errUserNotFound) {
		http.Error(w, "invalid token, relogin is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Failed to load user", "uid", uid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// A login replaces the stored tokens, so older ones stop working here.
	if req.Token != u.AccessToken && req.Token != u.RefreshToken {
		http.Error(w, "invalid token, relogin is required", http.StatusBadRequest)
		return
	}

	if tokenType == tokenTypeAccess {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Access token is up to date",
		})
		return
	}

	access, err := s.tokens.Issue(uid, tokenTypeAccess)
	if err == nil {
		err = s.users.SetAccessToken(r.Context(), uid, access)
	}
	if err != nil {
		slog.Error("Failed to refresh access token", "uid", uid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("Access token refreshed", "uid", uid)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "success",
		"message":      "New token is sent",
		"access_token": access,
	})
}

// handleTokenCheck answers the collaborating services. Invalid tokens are a
// normal outcome here, so the answer is always 200 with a valid flag.
func (s *server) handleTokenCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID   string `json:"uid"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" || req.Token == "" {
		http.Error(w, "uid and token required", http.StatusBadRequest)
		return
	}
	s.checkCounter.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": s.tokenValid(r, req.UID, req.Token)})
}

func (s *server) tokenValid(r *http.Request, uid, token string) bool {
	subject, _, err := s.tokens.Parse(token)
	if err != nil || subject != uid {
		return false
	}
	u, err := s.users.UserByUID(r.Context(), uid)
	if err != nil {
		if !errors.Is(err, errUserNotFound) {
			slog.Error("Failed to load user for token check", "uid", uid, "error", err)
		}
		return false
	}
	return token == u.AccessToken || token == u.RefreshToken
}

func (s *server) handleMatchingInfo(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	u, err := s.users.UserByUID(r.Context(), uid)
	if errors.Is(err, errUserNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to load matching info", "uid", uid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sex":           u.Sex,
		"age":           u.Age,
		"preferred_age": u.PreferredAge,
		"preferred_sex": u.PreferredSex,
	})
}

func (s *server) handleInfoByID(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	u, err := s.users.UserByUID(r.Context(), uid)
	if errors.Is(err, errUserNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to load user info", "uid", uid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": u.Username})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
