// Package ssh holds the SSH side of a tunnel: key loading, host key policy,
// the client handshake and [Session].
//
// A Session owns one persistent, authenticated SSH transport and opens a
// "direct-tcpip" channel over it for every proxied connection, the same thing
// ssh -D does. The transport is established lazily, shared by all callers
// and re-established when it breaks, up to a bounded number of consecutive
// attempts.
//
// Example usage:
//
//	signers, _ := ssh.LoadSigners("agent", "")
//	hostKeyCallback, _ := ssh.NewHostKeyCallback(ssh.PolicyAcceptNew, "~/.ssh/known_hosts", log)
//
//	session, _ := ssh.NewSession(ssh.SessionConfig{
//	    Addr: "ssh.example.com:22",
//	    Client: ssh.ClientConfig{
//	        Username:        "user",
//	        Signers:         signers,
//	        HostKeyCallback: hostKeyCallback,
//	    },
//	})
//
//	ch, err := session.OpenChannel(ctx, "internal.example.com:80", client.RemoteAddr().String())
package ssh
