package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"alumnet-chat/internal/chatclient"
	"alumnet-chat/internal/history"
	"alumnet-chat/internal/models"
	"alumnet-chat/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// Minimal terminal chat surface: logs in, keeps the channel open and drives
// the client through stdin commands.
//
//	/online            list online identities
//	/open <identity>   open a conversation
//	/close             close the conversation
//	/status            connection status and unread counts
//	anything else      send to the open conversation
func main() {
	var (
		serverURL = flag.String("server", envOrDefault("SERVER_URL", "http://localhost:8080"), "relay server base URL")
		email     = flag.String("email", os.Getenv("CHAT_EMAIL"), "account email")
		password  = flag.String("password", os.Getenv("CHAT_PASSWORD"), "account password")
		logLevel  = flag.String("log-level", envOrDefault("LOG_LEVEL", "error"), "log level")
	)
	flag.Parse()

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "email and password are required")
		os.Exit(1)
	}

	login, err := doLogin(*serverURL, *email, *password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login failed:", err)
		os.Exit(1)
	}
	fmt.Printf("logged in as %s (%s)\n", login.User.Username, login.User.ID)

	wsURL := "ws" + strings.TrimPrefix(*serverURL, "http") + "/ws"

	r := &renderer{}
	client := chatclient.New(
		chatclient.NewWSDialer(wsURL, logger.Log),
		history.NewClient(*serverURL),
		chatclient.WithLogger(logger.Log),
		chatclient.WithNotify(r.render),
	)
	r.client = client
	client.SetSession(login.User.ID, login.Token)
	defer client.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/online":
			fmt.Println("online:", strings.Join(client.ListOnlineOthers(), ", "))
		case strings.HasPrefix(line, "/open "):
			peer := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			client.SelectConversation(peer)
			fmt.Println("opened conversation with", peer)
		case line == "/close":
			client.SelectConversation("")
		case line == "/status":
			fmt.Println("connection:", client.Status())
			for peer, n := range client.UnreadCounts() {
				fmt.Printf("unread from %s: %d\n", peer, n)
			}
		default:
			peer := client.ActiveConversation()
			if peer == "" {
				fmt.Println("no open conversation, use /open <identity>")
				continue
			}
			if _, err := client.Send(peer, line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}
}

// renderer prints messages of the open conversation as the buffer grows,
// restarting from the top when the conversation changes.
type renderer struct {
	mu       sync.Mutex
	client   *chatclient.Client
	rendered int
}

func (r *renderer) render() {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.client.Buffer()
	if len(buf) < r.rendered {
		r.rendered = 0
	}
	for _, m := range buf[r.rendered:] {
		marker := ""
		if m.Status == models.DeliveryFailed {
			marker = " [failed]"
		}
		fmt.Printf("%s: %s%s\n", m.Sender, m.Content, marker)
	}
	r.rendered = len(buf)
}

func doLogin(serverURL, email, password string) (*models.LoginResponse, error) {
	var login models.LoginResponse
	resp, err := resty.New().R().
		SetBody(models.LoginRequest{Email: email, Password: password}).
		SetResult(&login).
		Post(serverURL + "/login")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s", resp.Status())
	}
	return &login, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
