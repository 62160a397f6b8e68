package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Cliente de terminal contra el relay: manda preguntas a /ask e imprime los
// fragmentos según llegan.
func main() {
	_ = godotenv.Load()

	baseURL := os.Getenv("RELAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	token := os.Getenv("RELAY_TOKEN")
	if token == "" {
		log.Fatal("RELAY_TOKEN is required (use /auth/login to get one)")
	}

	reader := bufio.NewReader(os.Stdin)
	client := &http.Client{}
	conversationID := os.Getenv("RELAY_CONVERSATION_ID")

	fmt.Println("===== Chat Relay =====")
	fmt.Println("Escribe tu pregunta; linea vacia para salir.")

	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		question := strings.TrimSpace(line)
		if question == "" {
			return
		}

		conversationID, err = ask(client, baseURL, token, conversationID, question)
		if err != nil {
			log.Printf("ask: %v", err)
		}
	}
}

func ask(client *http.Client, baseURL, token, conversationID, question string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"question":        question,
	})
	if err != nil {
		return conversationID, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/ask", bytes.NewReader(body))
	if err != nil {
		return conversationID, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return conversationID, err
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("X-Conversation-ID"); id != "" {
		conversationID = id
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return conversationID, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// Imprimir fragmentos según llegan, sin esperar el body completo.
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			fmt.Print(string(buf[:n]))
		}
		if err == io.EOF {
			fmt.Println()
			return conversationID, nil
		}
		if err != nil {
			fmt.Println()
			return conversationID, fmt.Errorf("stream interrupted: %w", err)
		}
	}
}
