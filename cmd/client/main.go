// Command client is a non-interactive protocol driver: it authenticates,
// prints every server-initiated event to stdout, reads outgoing chat
// lines from stdin and sends them to the public room, and reassembles any
// file streams it receives into the directory given by -files.
package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/fileassembler"
	"github.com/spitfire4040/chatcore/internal/protocol"
	"github.com/spitfire4040/chatcore/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:8443", "server address")
	username := flag.String("username", "", "account username")
	password := flag.String("password", "", "account password")
	register := flag.Bool("register", false, "register the account before logging in")
	insecure := flag.Bool("insecure-skip-verify", false, "skip TLS certificate verification (testing only)")
	filesDir := flag.String("files", "./received", "directory to write received files into")
	autoASCII := flag.Bool("auto-ascii", false, "render received images to ASCII art")
	flag.Parse()

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: client -addr host:port -username u -password p [-register]")
		os.Exit(2)
	}

	conn, err := tls.Dial("tcp", *addr, &tls.Config{InsecureSkipVerify: *insecure})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *register {
		if err := sendRegister(conn, *username, *password); err != nil {
			fmt.Fprintf(os.Stderr, "register: %v\n", err)
			os.Exit(1)
		}
	}
	if err := sendLogin(conn, *username, *password); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	assembler, renders := fileassembler.New(*filesDir, *autoASCII, 2, nil)
	defer assembler.Close()

	var publicRoomID = protocol.RoomView{}
	incoming := make(chan protocol.ServerMsg, 64)
	go readLoop(conn, incoming)

	lines := make(chan string, 16)
	go scanStdin(lines)

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				fmt.Println("disconnected")
				return
			}
			handleServerMsg(msg, assembler, &publicRoomID)

		case rendered := <-renders:
			fmt.Printf("[%s sent an image]\n%s\n", rendered.From.Username, rendered.Cache)

		case line, ok := <-lines:
			if !ok {
				return
			}
			if publicRoomID.ID == (protocol.RoomView{}).ID {
				fmt.Fprintln(os.Stderr, "not initialized yet, dropping message")
				continue
			}
			text := protocol.TextMsg{Text: line, To: protocol.RoomChannel(publicRoomID.ID)}
			raw, err := protocol.EncodeClientSessionMsg(text)
			if err != nil {
				continue
			}
			_ = wire.WriteFrame(conn, raw)
		}
	}
}

func sendRegister(conn net.Conn, username, password string) error {
	raw, err := protocol.EncodeClientAuthMsg(protocol.RegisterMsg{Username: username, Password: password})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, raw); err != nil {
		return err
	}
	resp, err := readOneServerMsg(conn)
	if err != nil {
		return err
	}
	rr, ok := resp.(protocol.RegisterResponseMsg)
	if !ok {
		return fmt.Errorf("unexpected response %T", resp)
	}
	if !rr.OK {
		return fmt.Errorf("%s", rr.Err)
	}
	return nil
}

func sendLogin(conn net.Conn, username, password string) error {
	raw, err := protocol.EncodeClientAuthMsg(protocol.LoginMsg{Username: username, Password: password})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, raw); err != nil {
		return err
	}
	resp, err := readOneServerMsg(conn)
	if err != nil {
		return err
	}
	ar, ok := resp.(protocol.AuthResponseMsg)
	if !ok {
		return fmt.Errorf("unexpected response %T", resp)
	}
	if !ar.OK {
		return fmt.Errorf("%s", ar.Err)
	}
	return nil
}

func readOneServerMsg(conn net.Conn) (protocol.ServerMsg, error) {
	dec := wire.NewDecoder(conn, 1<<20)
	raw, err := dec.Next()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeServerMsg(raw)
}

func readLoop(conn net.Conn, out chan<- protocol.ServerMsg) {
	defer close(out)
	dec := wire.NewDecoder(conn, 1<<20)
	for {
		raw, err := dec.Next()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeServerMsg(raw)
		if err != nil {
			continue
		}
		out <- msg
	}
}

func scanStdin(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- line
	}
}

func handleServerMsg(msg protocol.ServerMsg, assembler *fileassembler.Assembler, publicRoom *protocol.RoomView) {
	switch m := msg.(type) {
	case protocol.InitMsg:
		for _, r := range m.Rooms {
			if r.ID == config.PublicRoomID {
				*publicRoom = r
			}
		}
		fmt.Printf("joined %d room(s)\n", len(m.Rooms))
	case protocol.TextMsg:
		fmt.Printf("%s: %s\n", m.From.Username, m.Text)
	case protocol.UserConnectedMsg:
		fmt.Printf("* %s connected\n", m.User.Username)
	case protocol.UserDisconnectedMsg:
		fmt.Printf("* %s disconnected\n", m.User.Username)
	case protocol.UserJoinedRoomMsg:
		fmt.Printf("* %s joined a room\n", m.User.Username)
	case protocol.UserLeftRoomMsg:
		fmt.Printf("* %s left a room\n", m.User.Username)
	case protocol.CreateRoomResponseMsg:
		if m.OK {
			fmt.Printf("room %q created\n", m.Room.Name)
		} else {
			fmt.Printf("create room failed: %s\n", m.Err)
		}
	case protocol.JoinRoomResponseMsg:
		if m.OK {
			fmt.Printf("joined room %q\n", m.Room.Name)
		} else {
			fmt.Printf("join room failed: %s\n", m.Err)
		}
	case protocol.FileMetadataMsg:
		if err := assembler.HandleMetadata(m); err != nil {
			fmt.Fprintf(os.Stderr, "file metadata: %v\n", err)
		}
	case protocol.FileChunkMsg:
		if err := assembler.HandleChunk(m); err != nil {
			fmt.Fprintf(os.Stderr, "file chunk: %v\n", err)
		}
	case protocol.AsciiImageMsg:
		fmt.Printf("[%s sent an image]\n%s\n", m.From.Username, m.Cache)
	}
}
