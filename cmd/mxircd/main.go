// Command mxircd listens for IRC connections and presents each one
// with an independent view of a Matrix account. This is the ambient
// scaffolding (listener, TLS, config, flags) around the core; the
// core itself never touches net.Listener.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mxircd/mxircd/config"
	"github.com/mxircd/mxircd/gateway"
	"github.com/mxircd/mxircd/irc"
	"github.com/mxircd/mxircd/matrix"
)

func main() {
	cfgFile := pflag.String("config", "mxircd.toml", "path to config file")
	pflag.Parse()

	v, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Println("config error:", err)
		return
	}

	log := config.NewLogger(v, "gateway")

	if v.GetBool("debug") {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Warnf("gops agent failed to start: %v", err)
		}
	}

	listener, err := listen(v)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	log.Infof("listening on %s", v.GetString("server.bind"))
	acceptLoop(listener, v, log)
}

func listen(v *viper.Viper) (net.Listener, error) {
	bind := v.GetString("server.bind")
	if v.GetString("server.tls_cert") != "" {
		cert, err := tls.LoadX509KeyPair(v.GetString("server.tls_cert"), v.GetString("server.tls_key"))
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", bind, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return net.Listen("tcp", bind)
}

func acceptLoop(listener net.Listener, v *viper.Viper, log *logrus.Entry) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Errorf("accept failed: %v", err)
			return
		}
		go handleConn(conn, v, log)
	}
}

func handleConn(conn net.Conn, v *viper.Viper, log *logrus.Entry) {
	defer conn.Close()

	entry := log.WithField("remote", conn.RemoteAddr().String())
	entry.Info("new connection")

	// br is shared with Session.Run below so bytes buffered ahead of
	// the handshake's PASS line during the registration read are not
	// dropped: the read loop resumes on the same *bufio.Reader rather
	// than wrapping the raw conn a second time.
	br := bufio.NewReader(conn)

	cred, err := handshake(br, v)
	if err != nil {
		entry.Warnf("handshake failed: %v", err)
		return
	}

	store := matrix.New(entry)
	mc, err := matrix.Login(cred, store, entry)
	if err != nil {
		writeLine(conn, &irc.Message{Source: gateway.ServerName, Command: "NOTICE", Params: []string{"*", "matrix login failed"}})
		entry.Warnf("matrix login failed: %v", err)
		return
	}

	session := gateway.NewSession(v.GetString("server.name"), mc, store, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Run(ctx, br, conn); err != nil {
		entry.Infof("session ended: %v", err)
	}
}

func writeLine(w net.Conn, msg *irc.Message) {
	w.Write(append(msg.Bytes(), '\r', '\n'))
}

// handshake reads PASS/NICK/USER lines until it has enough to build
// Matrix credentials: PASS carries "<matrix-user-id>:<password>"; the
// homeserver URL comes from config since one gateway instance serves
// one homeserver (an Open Question resolved in DESIGN.md).
func handshake(br *bufio.Reader, v *viper.Viper) (matrix.Credentials, error) {
	var userID, password string

	for userID == "" || password == "" {
		raw, err := br.ReadString('\n')
		if err != nil {
			return matrix.Credentials{}, err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			continue
		}
		msg, err := irc.Parse(line)
		if err != nil {
			continue
		}
		if msg.Command == "PASS" && len(msg.Params) > 0 {
			if parts := strings.SplitN(msg.Params[0], ":", 2); len(parts) == 2 {
				userID, password = parts[0], parts[1]
			}
		}
	}

	return matrix.Credentials{
		HomeserverURL: v.GetString("matrix.homeserver_url"),
		UserID:        userID,
		Password:      password,
	}, nil
}
