package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chat-sync/internal/app"
	"chat-sync/internal/attachment"
	"chat-sync/internal/config"
	"chat-sync/internal/domain"
	"chat-sync/internal/service"
)

const helpText = `Comandos:
  /new                     nueva conversación
  /list                    listar conversaciones
  /select <n|id>           seleccionar conversación
  /rename <n|id> <título>  renombrar
  /delete <n|id>           borrar
  /attach <ruta>           adjuntar imagen al próximo mensaje
  /login <usuario>         iniciar sesión (migra las conversaciones locales)
  /logout                  cerrar sesión
  /help                    esta ayuda
  /quit                    salir
Ctrl+C durante una respuesta la interrumpe.`

type repl struct {
	ctx     context.Context
	rt      *app.Runtime
	reader  *bufio.Reader
	pending []attachment.File
}

func main() {
	ctx := context.Background()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample()
	defer logger.Sync()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	r := &repl{ctx: ctx, rt: rt, reader: bufio.NewReader(os.Stdin)}
	fmt.Println("===== chat-sync =====")
	fmt.Println(helpText)
	r.run()
}

func (r *repl) run() {
	for {
		fmt.Printf("\n[%s] > ", r.rt.Controller.Identity())
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			r.send(line)
			continue
		}

		cmd, args, _ := strings.Cut(line, " ")
		args = strings.TrimSpace(args)
		switch cmd {
		case "/quit", "/exit":
			return
		case "/help":
			fmt.Println(helpText)
		case "/new":
			if _, err := r.rt.Controller.NewConversation(r.ctx); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "/list":
			r.list()
		case "/select":
			r.withConversation(args, func(id string) error {
				if err := r.rt.Controller.SelectConversation(r.ctx, id); err != nil {
					return err
				}
				r.printMessages()
				return nil
			})
		case "/rename":
			ref, title, _ := strings.Cut(args, " ")
			r.withConversation(ref, func(id string) error {
				return r.rt.Controller.RenameConversation(r.ctx, id, title)
			})
		case "/delete":
			r.withConversation(args, func(id string) error {
				return r.rt.Controller.DeleteConversation(r.ctx, id)
			})
		case "/attach":
			r.attach(args)
		case "/login":
			r.login(args)
		case "/logout":
			if err := r.rt.Controller.SetIdentity(r.ctx, domain.Anonymous); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		default:
			fmt.Println("Comando desconocido. /help para ver la lista.")
		}
	}
}

func (r *repl) send(content string) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-interrupts:
			r.rt.Controller.Abort()
		case <-done:
		}
	}()

	fmt.Print("assistant: ")
	res, err := r.rt.Controller.Send(r.ctx, service.SendInput{
		Content: content,
		Files:   r.pending,
		OnDelta: func(delta string) { fmt.Print(delta) },
	})
	r.pending = nil
	fmt.Println()
	for _, rej := range res.Rejected {
		fmt.Printf("(adjunto %s descartado: %v)\n", rej.Name, rej.Err)
	}
	if res.State == service.StreamAborted {
		fmt.Println("(respuesta interrumpida)")
	}
	if err != nil {
		var streamErr *service.StreamError
		if errors.As(err, &streamErr) {
			fmt.Printf("error de stream: %v\n", streamErr.Err)
			return
		}
		fmt.Printf("error: %v\n", err)
	}
}

func (r *repl) list() {
	view := r.rt.Controller.View()
	if len(view.Conversations) == 0 {
		fmt.Println("No hay conversaciones.")
		return
	}
	for i, c := range view.Conversations {
		marker := " "
		if c.ID == view.ConversationID {
			marker = "*"
		}
		fmt.Printf("%s[%d] %s (%s)", marker, i+1, c.Title, c.ID)
		if c.LastMessagePreview != "" {
			fmt.Printf(" - %s", preview(c.LastMessagePreview))
		}
		fmt.Println()
	}
}

func (r *repl) printMessages() {
	for _, m := range r.rt.Controller.View().Messages {
		suffix := ""
		if len(m.Attachments) > 0 {
			suffix = fmt.Sprintf(" [%d imagen(es)]", len(m.Attachments))
		}
		if m.Unsaved {
			suffix += " (sin guardar)"
		}
		fmt.Printf("%s: %s%s\n", m.Role, m.Content, suffix)
	}
}

// withConversation resuelve un índice de /list o un id literal.
func (r *repl) withConversation(ref string, fn func(id string) error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		fmt.Println("Falta la conversación.")
		return
	}
	id := ref
	if n, err := strconv.Atoi(ref); err == nil {
		convs := r.rt.Controller.View().Conversations
		if n < 1 || n > len(convs) {
			fmt.Println("Selección inválida.")
			return
		}
		id = convs[n-1].ID
	}
	if err := fn(id); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (r *repl) attach(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	// el tipo se detecta por contenido al codificar
	r.pending = append(r.pending, attachment.File{Data: data, Name: filepath.Base(path)})
	fmt.Printf("%d adjunto(s) para el próximo mensaje.\n", len(r.pending))
}

func (r *repl) login(userID string) {
	token, err := r.rt.Identities.Issue(userID)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	identity, err := r.rt.Identities.Verify(token)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := r.rt.Controller.SetIdentity(r.ctx, identity); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("Sesión iniciada como %s.\n", identity.UserID)
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if runes := []rune(s); len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return s
}
