package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	audit     *audit.Logger
	validator *validator.Validate
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required" example:"+22370123456"` // User phone number
	Password    string `json:"password" validate:"required,min=6" example:"password123"`
	OTP         string `json:"otp,omitempty"` // Required when 2FA is enabled
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email" example:"user@example.com"`
	Password    string `json:"password" validate:"required,min=8" example:"password123"`
	FullName    string `json:"fullName" validate:"required,min=2" example:"Aminata Traore"`
	PhoneNumber string `json:"phoneNumber" validate:"required,e164" example:"+22370123456"`
	Role        string `json:"role" validate:"omitempty,oneof=admin sfd_admin cashier client"`
	SfdID       string `json:"sfdId,omitempty"`
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token string      `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	User  models.User `json:"user"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, auditLogger *audit.Logger) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		audit:     auditLogger,
		validator: validator.New(),
	}
}

// Register handles user registration
// @Summary Register a new user
// @Description Register a new platform user
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 200 {object} AuthResponse "Registration successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 409 {string} string "Email already exists"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RegisterRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Registration failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[AUTH] Multiple JSON objects detected")
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	role := req.Role
	if role == "" {
		role = models.RoleClient
	}
	// Elevated roles are provisioned by an admin, never self-assigned.
	if role != models.RoleClient {
		auth, ok := middleware.FromContext(r.Context())
		if !ok || auth.Role != models.RoleAdmin {
			SendErrorResponse(w, "Only administrators can create privileged users", http.StatusForbidden, nil)
			return
		}
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	userID := uuid.New().String()
	now := time.Now()

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO users (id, email, password, full_name, phone_number, role, sfd_id, two_factor_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)`,
		userID, strings.ToLower(req.Email), hashedPassword, req.FullName,
		req.PhoneNumber, role, req.SfdID, now, now)
	if err != nil {
		log.Printf("[AUTH] User creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
		return
	}

	log.Printf("[AUTH] User created successfully - ID: %s, Email: %s", userID, req.Email)

	token, err := generateJWT(userID, role, req.SfdID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogSuccess(userID, "user_registered", audit.CategoryAuth, map[string]any{
		"email": strings.ToLower(req.Email),
		"role":  role,
	})

	response := AuthResponse{
		Token: token,
		User: models.User{
			ID:          userID,
			Email:       strings.ToLower(req.Email),
			FullName:    req.FullName,
			PhoneNumber: req.PhoneNumber,
			Role:        role,
			SfdID:       req.SfdID,
			CreatedAt:   now,
		},
	}

	log.Printf("[AUTH] Registration successful for user %s", userID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate with phone number and password; OTP required when 2FA is enabled
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Invalid credentials"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Login failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[AUTH] Multiple JSON objects detected")
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var user models.User
	var hashedPassword string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, email, full_name, phone_number, role, COALESCE(sfd_id, ''), two_factor_enabled, password
		FROM users
		WHERE phone_number = $1`, req.PhoneNumber).Scan(
		&user.ID, &user.Email, &user.FullName, &user.PhoneNumber, &user.Role,
		&user.SfdID, &user.TwoFactorEnabled, &hashedPassword)
	if err != nil {
		log.Printf("[AUTH] User not found for phone number: %s", req.PhoneNumber)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for user: %s", req.PhoneNumber)
		s.audit.LogFailure(user.ID, "login_failed", audit.CategoryAuth, map[string]any{
			"phone_number": req.PhoneNumber,
		}, ErrUnauthorized)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if user.TwoFactorEnabled {
		if req.OTP == "" {
			otp := generateOTP()
			s.storeOTP(r.Context(), user.ID, otp)
			log.Printf("[AUTH] OTP issued for user %s", user.ID)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"otpRequired": true,
				"message":     "OTP sent, repeat login with otp field",
			})
			return
		}
		if !s.checkOTP(r.Context(), user.ID, req.OTP) {
			log.Printf("[AUTH] Invalid OTP for user %s", user.ID)
			SendErrorResponse(w, "Invalid or expired OTP", http.StatusUnauthorized, nil)
			return
		}
	}

	token, err := generateJWT(user.ID, user.Role, user.SfdID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %s: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	s.db.ExecContext(r.Context(), `UPDATE users SET last_login = NOW() WHERE id = $1`, user.ID)

	s.audit.LogSuccess(user.ID, "login", audit.CategoryAuth, map[string]any{
		"role": user.Role,
	})

	log.Printf("[AUTH] Login successful for user %s", user.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Token: token, User: user})
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout user and deny-list the token until it expires
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("denylist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to deny-list token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

// EnableTwoFactor starts 2FA enrolment by sending an OTP
// @Summary Enable two-factor authentication
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{} "OTP sent"
// @Failure 401 {string} string "Unauthorized"
// @Router /auth/2fa/enable [post]
func (s *AuthService) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	otp := generateOTP()
	if err := s.storeOTP(r.Context(), auth.UserID, otp); err != nil {
		log.Printf("[AUTH] Failed to store OTP for user %s: %v", auth.UserID, err)
		SendErrorResponse(w, "Failed to generate OTP", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] 2FA enrolment OTP for user %s: %s", auth.UserID, otp)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message": "OTP Sent Successfully",
		"valid":   true,
	})
}

// VerifyTwoFactor completes 2FA enrolment
// @Summary Verify two-factor enrolment OTP
// @Tags auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{otp=string} true "OTP verification request"
// @Success 200 {object} map[string]interface{} "2FA enabled"
// @Failure 401 {string} string "Invalid or expired OTP"
// @Router /auth/2fa/verify [post]
func (s *AuthService) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		OTP string `json:"otp" validate:"required,len=8"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !s.checkOTP(r.Context(), auth.UserID, req.OTP) {
		log.Printf("[AUTH] Invalid enrolment OTP for user %s", auth.UserID)
		SendErrorResponse(w, "Invalid or expired OTP", http.StatusUnauthorized, nil)
		return
	}

	if _, err := s.db.ExecContext(r.Context(),
		`UPDATE users SET two_factor_enabled = true, updated_at = NOW() WHERE id = $1`, auth.UserID); err != nil {
		log.Printf("[AUTH] 2FA enable failed for user %s: %v", auth.UserID, err)
		SendErrorResponse(w, "Failed to enable 2FA", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogSuccess(auth.UserID, "two_factor_enabled", audit.CategoryAuth, nil)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message": "Two-factor authentication enabled",
		"valid":   true,
	})
}

// GetUserAccount retrieves user account details from the auth token
// @Summary Get user account details
// @Description Get the authenticated user's profile
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.User "User account details"
// @Failure 401 {string} string "Unauthorized"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/account [get]
func (s *AuthService) GetUserAccount(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		log.Printf("[AUTH] Unauthorized account request - no auth context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var user models.User
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, email, full_name, phone_number, role, COALESCE(sfd_id, ''), two_factor_enabled, last_login, created_at
		FROM users
		WHERE id = $1`, auth.UserID).Scan(
		&user.ID, &user.Email, &user.FullName, &user.PhoneNumber, &user.Role,
		&user.SfdID, &user.TwoFactorEnabled, &user.LastLogin, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("[AUTH] User not found for ID: %s", auth.UserID)
			http.Error(w, "User not found", http.StatusNotFound)
		} else {
			log.Printf("[AUTH] Failed to fetch user details for ID %s: %v", auth.UserID, err)
			http.Error(w, "Failed to fetch user details", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

func (s *AuthService) storeOTP(ctx context.Context, userID, otp string) error {
	if s.redis == nil {
		return fmt.Errorf("otp store unavailable")
	}
	key := fmt.Sprintf("otp:%s", userID)
	return s.redis.Set(ctx, key, otp, 10*time.Minute).Err()
}

func (s *AuthService) checkOTP(ctx context.Context, userID, otp string) bool {
	if s.redis == nil {
		return false
	}
	key := fmt.Sprintf("otp:%s", userID)
	stored, err := s.redis.Get(ctx, key).Result()
	if err != nil || stored != otp {
		return false
	}
	s.redis.Del(ctx, key)
	return true
}

func generateJWT(userID, role, sfdID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"sfd_id":  sfdID,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}

func generateOTP() string {
	b := make([]byte, 4)
	cryptorand.Read(b)
	return fmt.Sprintf("%08d", (int(b[0])<<24|int(b[1])<<16|int(b[2])<<8|int(b[3]))%100000000)
}
