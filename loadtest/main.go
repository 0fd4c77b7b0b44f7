// Command loadtest drives a running support server: staff members hold
// presence sockets while guests open sessions, chat and close them. At the end
// it checks that no session is left active.
//
// The staff ids (loadtest-staff-N) must exist in the users table with role
// staff, and JWT_SECRET must match the server's.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go-support/internal/chat"
	"go-support/internal/user"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base url")
	staffN    = flag.Int("staff", 5, "staff sockets")
	customerN = flag.Int("customers", 200, "guest customers")
	msgCount  = flag.Int("messages", 10, "messages per customer")
)

type stats struct {
	started, limited, failed, messages, notices atomic.Int64
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if *staffN < 1 {
		log.Fatal().Msg("need at least one staff socket")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}

	var st stats
	stop := make(chan struct{})
	var staffWg sync.WaitGroup
	staffTokens := make([]string, *staffN)
	for i := range staffTokens {
		staffTokens[i] = mintToken(secret, fmt.Sprintf("loadtest-staff-%d", i), user.RoleStaff)
		staffWg.Add(1)
		go func(token string) {
			defer staffWg.Done()
			holdPresence(token, stop, &st)
		}(staffTokens[i])
	}
	// let the sockets register before customers arrive
	time.Sleep(500 * time.Millisecond)

	log.Info().Int("staff", *staffN).Int("customers", *customerN).Int("messages", *msgCount).Msg("starting load test")
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *customerN; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runCustomer(i, &st)
		}(i)
	}
	wg.Wait()

	close(stop)
	staffWg.Wait()

	log.Info().
		Dur("elapsed", time.Since(start)).
		Int64("sessions", st.started.Load()).
		Int64("rate_limited", st.limited.Load()).
		Int64("failed", st.failed.Load()).
		Int64("messages", st.messages.Load()).
		Int64("notices", st.notices.Load()).
		Msg("load test complete")

	open := countSessions(staffTokens[0], chat.StatusActive)
	if open != 0 {
		log.Error().Int("active", open).Msg("sessions left active after every customer closed")
		os.Exit(1)
	}
}

func mintToken(secret, id string, role user.Role) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, user.Claims{
		ID:       id,
		Username: id,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "support-loadtest",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	ss, err := token.SignedString([]byte(secret))
	if err != nil {
		log.Fatal().Err(err).Msg("sign token")
	}
	return ss
}

func holdPresence(token string, stop <-chan struct{}, st *stats) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws/staff?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Error().Err(err).Msg("staff socket connect failed")
		return
	}
	defer conn.Close()

	go func() {
		<-stop
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		st.notices.Add(int64(bytes.Count(data, []byte{'\n'}) + 1))
	}
}

func runCustomer(i int, st *stats) {
	guest := uuid.NewString()
	// one address per customer so the per-ip limiter does not kick in
	ip := fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)

	var s chat.Session
	status, err := call(http.MethodPost, "/api/support/sessions", guest, ip, map[string]string{"first_message": "hello from " + guest}, &s)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("start session failed")
		st.failed.Add(1)
		return
	case status == http.StatusTooManyRequests:
		st.limited.Add(1)
		return
	case status != http.StatusOK:
		st.failed.Add(1)
		return
	}
	st.started.Add(1)

	for m := 0; m < *msgCount; m++ {
		status, err := call(http.MethodPost, "/api/support/sessions/"+s.ID+"/messages", guest, ip, map[string]string{"content": fmt.Sprintf("msg %d", m)}, nil)
		if err != nil || status != http.StatusCreated {
			st.failed.Add(1)
			break
		}
		st.messages.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	if status, err := call(http.MethodPost, "/api/support/sessions/"+s.ID+"/close", guest, ip, nil, nil); err != nil || status != http.StatusOK {
		st.failed.Add(1)
	}
}

func call(method, path, guest, ip string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, *baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chat.GuestHeader, guest)
	req.Header.Set("X-Forwarded-For", ip)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func countSessions(staffToken string, status chat.Status) int {
	req, _ := http.NewRequest(http.MethodGet, *baseURL+"/api/support/sessions?status="+string(status), nil)
	req.Header.Set("Authorization", "Bearer "+staffToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("list sessions failed")
		return -1
	}
	defer resp.Body.Close()

	var sessions []chat.Session
	json.NewDecoder(resp.Body).Decode(&sessions)
	return len(sessions)
}
